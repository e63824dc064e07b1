// Package secrets is the client for the external secrets-storage service.
// The core consumes tokens, the DB password and the global wrapped DEK
// through it at boot; the service speaks HTTPS with mTLS.
package secrets

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"digital-goods-market/internal/config"
)

// Client errors.
var (
	// ErrNotFound means the named secret does not exist.
	ErrNotFound = errors.New("secret not found")
	// ErrConflict means the name is tombstoned and cannot be recreated.
	ErrConflict = errors.New("secret name conflict")
	// ErrUnavailable means the service could not be reached. Fatal at boot.
	ErrUnavailable = errors.New("secrets storage unavailable")
)

// SecretString is a wrapped secret payload as stored by the service.
type SecretString struct {
	EncryptedData string `json:"encrypted_data_b64"`
	Nonce         string `json:"nonce_b64"`
}

// Client talks to the secrets service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds an mTLS client from the configured certificate pair.
func NewClient(cfg *config.SecretsConfig) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// newClientForTest builds a plain client for httptest servers.
func newClientForTest(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: http.DefaultClient}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case http.StatusConflict:
		resp.Body.Close()
		return nil, ErrConflict
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("secrets service returned %d: %s", resp.StatusCode, body)
	}
	return resp, nil
}

// GetSecretString fetches a wrapped secret by name.
func (c *Client) GetSecretString(ctx context.Context, name string) (*SecretString, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/secret_string/"+name, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out SecretString
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode secret %s: %w", name, err)
	}
	return &out, nil
}

type putSecretRequest struct {
	EncryptedData string `json:"encrypted_data_b64"`
	Nonce         string `json:"nonce_b64"`
	SHA256        string `json:"sha256_b64"`
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CreateSecretString creates a named wrapped secret. Conflict surfaces when
// the name is tombstoned.
func (c *Client) CreateSecretString(ctx context.Context, name, encryptedB64, nonceB64, sumB64 string) error {
	return c.postJSON(ctx, "/secret_string/"+name, putSecretRequest{
		EncryptedData: encryptedB64, Nonce: nonceB64, SHA256: sumB64,
	})
}

// NextVersion rotates a named secret to a new wrapped payload.
func (c *Client) NextVersion(ctx context.Context, name, encryptedB64, nonceB64, sumB64 string) error {
	return c.postJSON(ctx, "/next_version/"+name, putSecretRequest{
		EncryptedData: encryptedB64, Nonce: nonceB64, SHA256: sumB64,
	})
}

// UploadFile posts a binary payload, used for encrypted backup dumps.
func (c *Client) UploadFile(ctx context.Context, name, path, nonceB64, sumB64 string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			_ = mw.WriteField("nonce_b64", nonceB64)
			_ = mw.WriteField("sha256_b64", sumB64)
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file/"+name, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DownloadFile fetches a binary payload into dst.
func (c *Client) DownloadFile(ctx context.Context, name, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

// Purge permanently deletes a named secret.
func (c *Client) Purge(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/purge/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
