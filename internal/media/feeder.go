package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const oggPageDuration = 20 * time.Millisecond

// FeedIVF plays a VP8 IVF file into write at the file's frame rate, looping
// until ctx is done.
func FeedIVF(ctx context.Context, path string, write func(pionmedia.Sample) error) error {
	for {
		if err := feedIVFOnce(ctx, path, write); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func feedIVFOnce(ctx context.Context, path string, write func(pionmedia.Sample) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open video file: %w", err)
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}

	frameDuration := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ivf frame: %w", err)
		}
		if err := write(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}

// FeedOgg plays an Opus Ogg file into write page by page, looping until ctx is done.
func FeedOgg(ctx context.Context, path string, write func(pionmedia.Sample) error) error {
	for {
		if err := feedOggOnce(ctx, path, write); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func feedOggOnce(ctx context.Context, path string, write func(pionmedia.Sample) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		page, pageHeader, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}

		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration((sampleCount/48000)*1000) * time.Millisecond
		if err := write(pionmedia.Sample{Data: page, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}
