package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snehjoshi/slotify/internal/notify"
	"github.com/snehjoshi/slotify/internal/types"
)

func TestWebhookSink_PostsSignedEnvelope(t *testing.T) {
	var (
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(notify.SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := notify.NewWebhookSink(srv.URL, "s3cret", time.Second)
	change := notify.StatusChange{TokenID: "t1", Branch: "north", From: types.StatusActive, To: types.StatusCalled}
	if err := s.OnStatusChanged(context.Background(), change); err != nil {
		t.Fatalf("OnStatusChanged: %v", err)
	}

	if want := "sha256=" + notify.Sign("s3cret", gotBody); gotSig != want {
		t.Errorf("signature %q, want %q", gotSig, want)
	}
	var e notify.Event
	if err := json.Unmarshal(gotBody, &e); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if e.Kind != notify.KindStatus || e.Status == nil || e.Status.To != types.StatusCalled {
		t.Errorf("unexpected envelope %+v", e)
	}
}

func TestWebhookSink_NoSecretNoSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(notify.SignatureHeader) != "" {
			t.Error("unexpected signature header")
		}
	}))
	defer srv.Close()

	if err := notify.NewWebhookSink(srv.URL, "", 0).OnPositionChanged(context.Background(), position("t1", 0, 1)); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookSink_Non2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := notify.NewWebhookSink(srv.URL, "", time.Second).OnPositionChanged(context.Background(), position("t1", 0, 1)); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestSign_IsDeterministic(t *testing.T) {
	a := notify.Sign("k", []byte("body"))
	if a != notify.Sign("k", []byte("body")) {
		t.Error("same input must sign the same")
	}
	if a == notify.Sign("other", []byte("body")) {
		t.Error("different secrets must sign differently")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}
