package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/node"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

var flagStatusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the links of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := fetchStatus(flagStatusAddr)
		if err != nil {
			return err
		}
		renderStatus(os.Stdout, st)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&flagStatusAddr, "addr", "a", "127.0.0.1:7070", "Status address of the node")
}

func fetchStatus(addr string) (node.Status, error) {
	url := addr
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}
	status, body, err := fasthttp.GetTimeout(nil, strings.TrimRight(url, "/")+"/status", 5*time.Second)
	if err != nil {
		return node.Status{}, fmt.Errorf("failed to reach node: %w", err)
	}
	if status != fasthttp.StatusOK {
		return node.Status{}, fmt.Errorf("node answered %d", status)
	}
	var st node.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return node.Status{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func renderStatus(w io.Writer, st node.Status) {
	fmt.Fprintf(w, "%s (%s) in %s  camera %s  mic %s\n", st.Username, st.PeerID, st.Room, onOff(st.Video), onOff(st.Audio))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Peer", "Name", "State", "Video", "Audio", "Playing", "Warning"})
	for _, p := range st.Peers {
		t.AppendRow(table.Row{p.PeerID, p.Username, p.State, onOff(p.Video), onOff(p.Audio), p.Playing, p.Warning})
	}
	t.Render()
}
