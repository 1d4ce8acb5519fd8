package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/media"
	"google.golang.org/api/googleapi"
)

func TestValidate(t *testing.T) {
	r := NewRegistry(0, 1)
	RegisterSimulated(r, 0)

	cases := []struct {
		name     string
		platform string
		content  string
		kinds    []media.Kind
		want     error
	}{
		{"ok", "twitter", "hello", nil, nil},
		{"weibo limit", "weibo", strings.Repeat("字", 141), nil, ErrContentTooLong},
		{"weibo at limit", "weibo", strings.Repeat("字", 140), nil, nil},
		{"douyu video", "douyu", "clip", []media.Kind{media.KindVideo}, ErrMediaNotSupported},
		{"youtube image", "youtube", "pic", []media.Kind{media.KindImage}, ErrMediaNotSupported},
		{"unknown", "myspace", "hi", nil, ErrUnsupportedPlatform},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.platform, tc.content, tc.kinds)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSimulatedPlatformPostID(t *testing.T) {
	at := time.UnixMilli(1767225600000)
	p := &Simulated{Platform: "bilibili", Now: func() time.Time { return at }}

	res, err := p.Publish(context.Background(), Request{Platform: "bilibili"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.PlatformPostID != "bilibili_1767225600000" {
		t.Fatalf("unexpected id %q", res.PlatformPostID)
	}
}

func TestSimulatedHonoursDeadline(t *testing.T) {
	p := &Simulated{Platform: "weibo", Latency: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Publish(ctx, Request{})
	if !IsTransient(err) {
		t.Fatalf("deadline should be transient, got %v", err)
	}
}

func TestRegistryPublishUnknownPlatform(t *testing.T) {
	r := NewRegistry(0, 1)
	_, err := r.Publish(context.Background(), Request{Platform: "nowhere"})
	if err == nil || IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatalf("nil is not an error")
	}
	if !IsTransient(errors.New("connection reset")) {
		t.Fatalf("unclassified errors are transient")
	}
	if IsTransient(fmt.Errorf("wrapped: %w", Permanent("x", errors.New("bad")))) {
		t.Fatalf("wrapped permanent must stay permanent")
	}
	if IsTransient(context.Canceled) {
		t.Fatalf("cancellation is not retried")
	}
}

func TestClassifyGoogleError(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusForbidden, false},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		got := classifyGoogleError(&googleapi.Error{Code: tc.code})
		if got.Transient != tc.transient {
			t.Fatalf("code %d: transient = %v, want %v", tc.code, got.Transient, tc.transient)
		}
	}
}

func TestVideoTitle(t *testing.T) {
	if got := videoTitle("Launch day\nmore details"); got != "Launch day" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := videoTitle(strings.Repeat("a", 150)); len(got) != youtubeTitleLimit {
		t.Fatalf("title not truncated: %d", len(got))
	}
	if got := videoTitle("   "); got != "Untitled" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
