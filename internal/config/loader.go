package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SectionFiles are the base names LoadAppConfig looks for, each as .yaml or .json.
var SectionFiles = []string{"server", "security", "webrtc", "coordinator", "signal", "record", "node"}

// ErrEmptyFile is returned on reload when a section file exists but is empty,
// which is what an editor leaves behind between truncating and writing.
var ErrEmptyFile = errors.New("config file is empty")

// LoadAppConfig reads every section file present in dir and applies it over
// the defaults. Missing or empty files keep the defaults.
func LoadAppConfig(dir string) (*AppConfig, error) {
	return loadAppConfig(dir, false)
}

func loadAppConfig(dir string, rejectEmpty bool) (*AppConfig, error) {
	l := loader{dir: dir, rejectEmpty: rejectEmpty}
	cfg := DefaultAppConfig()

	var rawServer RawServerConfig
	if err := l.load("server", &rawServer); err != nil {
		return nil, err
	}
	rawServer.ApplyTo(&cfg.Server)

	var rawSec RawSecurityConfig
	if err := l.load("security", &rawSec); err != nil {
		return nil, err
	}
	if err := rawSec.ApplyTo(&cfg.Security); err != nil {
		return nil, err
	}

	var rawWebRTC RawWebRTCConfig
	if err := l.load("webrtc", &rawWebRTC); err != nil {
		return nil, err
	}
	rawWebRTC.ApplyTo(&cfg.WebRTC)

	var rawCoordinator RawCoordinatorConfig
	if err := l.load("coordinator", &rawCoordinator); err != nil {
		return nil, err
	}
	if err := rawCoordinator.ApplyTo(&cfg.Coordinator); err != nil {
		return nil, err
	}

	var rawSignal RawSignalConfig
	if err := l.load("signal", &rawSignal); err != nil {
		return nil, err
	}
	if err := rawSignal.ApplyTo(&cfg.Signal); err != nil {
		return nil, err
	}

	var rawRecord RawRecordConfig
	if err := l.load("record", &rawRecord); err != nil {
		return nil, err
	}
	rawRecord.ApplyTo(&cfg.Record)

	var rawNode RawNodeConfig
	if err := l.load("node", &rawNode); err != nil {
		return nil, err
	}
	rawNode.ApplyTo(&cfg.Node)

	return &cfg, nil
}

type loader struct {
	dir         string
	rejectEmpty bool
}

func (l loader) load(filenameBase string, target any) error {
	basePath := filepath.Join(l.dir, filenameBase)

	if f, err := os.Open(basePath + ".yaml"); err == nil {
		defer f.Close()
		return l.decode(basePath+".yaml", yaml.NewDecoder(f).Decode(target))
	}

	if f, err := os.Open(basePath + ".json"); err == nil {
		defer f.Close()
		return l.decode(basePath+".json", json.NewDecoder(f).Decode(target))
	}

	return nil
}

func (l loader) decode(file string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && l.rejectEmpty:
		return fmt.Errorf("%s: %w", file, ErrEmptyFile)
	case errors.Is(err, io.EOF):
		slog.Warn("config file is empty, using defaults", "file", file)
		return nil
	default:
		return fmt.Errorf("decode %s: %w", file, err)
	}
}
