package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakePinningService stands in for a Pinata-compatible pinning API plus
// gateway on a single httptest server.
func fakePinningService(t *testing.T) (*httptest.Server, map[string][]byte) {
	t.Helper()
	blobs := make(map[string][]byte)

	mux := http.NewServeMux()
	mux.HandleFunc("/pinning/pinFileToIPFS", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("pinata_api_key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		cid := "Qm" + ContentID(data)[:16]
		blobs[cid] = data
		json.NewEncoder(w).Encode(pinResponse{IpfsHash: cid, PinSize: int64(len(data))})
	})
	mux.HandleFunc("/ipfs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, ok := blobs[strings.TrimPrefix(r.URL.Path, "/ipfs/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("/pinning/unpin/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		delete(blobs, strings.TrimPrefix(r.URL.Path, "/pinning/unpin/"))
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, blobs
}

func testIPFSStore(t *testing.T, srv *httptest.Server) *IPFSStore {
	t.Helper()
	s, err := NewIPFSStore(IPFSConfig{
		APIURL:     srv.URL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
		GatewayURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("new ipfs store: %v", err)
	}
	return s
}

func TestIPFSStore_PutGetUnpin(t *testing.T) {
	srv, _ := fakePinningService(t)
	s := testIPFSStore(t, srv)
	ctx := context.Background()

	data := []byte(`{"envelope":"abc:def"}`)
	pin, err := s.Put(ctx, data, "analysis-backup.json", map[string]string{"type": "analysis"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(pin.CID, "Qm") {
		t.Errorf("unexpected CID %q", pin.CID)
	}
	if pin.Size != int64(len(data)) {
		t.Errorf("expected pin size %d, got %d", len(data), pin.Size)
	}

	got, err := s.Get(ctx, pin.CID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: got %q", got)
	}

	if err := s.Unpin(ctx, pin.CID); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if _, err := s.Get(ctx, pin.CID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after unpin, got %v", err)
	}
}

func TestIPFSStore_AuthFailureIsUnavailable(t *testing.T) {
	srv, _ := fakePinningService(t)
	s, err := NewIPFSStore(IPFSConfig{
		APIURL:     srv.URL,
		APIKey:     "wrong-key",
		GatewayURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("new ipfs store: %v", err)
	}

	if _, err := s.Put(context.Background(), []byte("x"), "x", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable on auth failure, got %v", err)
	}
}

func TestIPFSStore_UnreachableServiceIsUnavailable(t *testing.T) {
	srv, _ := fakePinningService(t)
	s := testIPFSStore(t, srv)
	srv.Close()

	if _, err := s.Put(context.Background(), []byte("x"), "x", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.Get(context.Background(), "QmWhatever"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestIPFSStore_GatewayURL(t *testing.T) {
	s, err := NewIPFSStore(IPFSConfig{
		APIURL:     "https://api.pinata.cloud/",
		GatewayURL: "https://gateway.pinata.cloud/",
	})
	if err != nil {
		t.Fatalf("new ipfs store: %v", err)
	}
	want := "https://gateway.pinata.cloud/ipfs/QmABC"
	if got := s.GatewayURL("QmABC"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
