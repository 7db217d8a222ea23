package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// IPFSConfig configures an IPFS pinning-service client.
type IPFSConfig struct {
	// APIURL is the pinning service base URL, e.g. https://api.pinata.cloud.
	APIURL string
	// APIKey / APISecret authenticate against the pinning service.
	APIKey    string
	APISecret string
	// GatewayURL is the public gateway used for retrieval,
	// e.g. https://gateway.pinata.cloud.
	GatewayURL string
	// Timeout bounds each remote call. Zero means 30s.
	Timeout time.Duration
}

// IPFSStore stores blobs through a Pinata-compatible IPFS pinning service.
// The pinning service mints the CID; retrieval goes through the gateway.
type IPFSStore struct {
	cfg        IPFSConfig
	httpClient *http.Client
}

// NewIPFSStore creates an IPFSStore from cfg.
func NewIPFSStore(cfg IPFSConfig) (*IPFSStore, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("ipfs store: API URL is required")
	}
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("ipfs store: gateway URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	return &IPFSStore{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// pinResponse is the pinning-service reply for a successful pin.
type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
	PinSize  int64  `json:"PinSize"`
}

// pinMetadata is the advisory metadata block sent alongside the payload.
type pinMetadata struct {
	Name      string            `json:"name"`
	Keyvalues map[string]string `json:"keyvalues,omitempty"`
}

func (s *IPFSStore) Put(ctx context.Context, data []byte, name string, tags map[string]string) (*PinResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}

	meta, err := json.Marshal(pinMetadata{Name: name, Keyvalues: tags})
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrUnavailable, err)
	}
	if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	s.authenticate(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: pin returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var pin pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pin); err != nil {
		return nil, fmt.Errorf("%w: decode pin response: %v", ErrUnavailable, err)
	}
	if pin.IpfsHash == "" {
		return nil, fmt.Errorf("%w: pin response missing hash", ErrUnavailable)
	}

	return &PinResult{CID: pin.IpfsHash, Size: pin.PinSize}, nil
}

func (s *IPFSStore) Get(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.GatewayURL(cid), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	default:
		return nil, fmt.Errorf("%w: gateway returned status %d", ErrUnavailable, resp.StatusCode)
	}
}

func (s *IPFSStore) Unpin(ctx context.Context, cid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.cfg.APIURL+"/pinning/unpin/"+cid, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.authenticate(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: unpin returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (s *IPFSStore) GatewayURL(cid string) string {
	return s.cfg.GatewayURL + "/ipfs/" + cid
}

func (s *IPFSStore) authenticate(req *http.Request) {
	req.Header.Set("pinata_api_key", s.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", s.cfg.APISecret)
}
