package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gwillem/mecharm/pkg/log"
)

// MJPEGStream reads a multipart/x-mixed-replace JPEG stream and keeps the
// latest decoded frame.
type MJPEGStream struct {
	url            string
	client         *http.Client
	reconnectDelay time.Duration
	logger         log.Logger

	mu     sync.Mutex
	frame  image.Image
	frames uint64
}

// NewMJPEGStream returns a reader for the stream at url. It does nothing until Run.
func NewMJPEGStream(url string, client *http.Client, reconnectDelay time.Duration, logger log.Logger) *MJPEGStream {
	if client == nil {
		client = &http.Client{}
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &MJPEGStream{
		url:            url,
		client:         client,
		reconnectDelay: reconnectDelay,
		logger:         log.OrNop(logger),
	}
}

// Run reads the stream until ctx is done, reconnecting after failures.
func (s *MJPEGStream) Run(ctx context.Context) error {
	for {
		err := s.read(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debugf("video stream %s: %v", s.url, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

// Frame returns the latest frame.
func (s *MJPEGStream) Frame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.frame != nil
}

// Frames returns the number of frames decoded so far.
func (s *MJPEGStream) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *MJPEGStream) read(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("unexpected content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return errors.New("content type has no boundary")
	}

	mr := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return errors.New("stream ended")
		}
		if err != nil {
			return fmt.Errorf("next part: %w", err)
		}
		img, err := jpeg.Decode(part)
		part.Close()
		if err != nil {
			s.logger.Debugf("skip undecodable frame: %v", err)
			continue
		}
		s.mu.Lock()
		s.frame = img
		s.frames++
		s.mu.Unlock()
	}
}
