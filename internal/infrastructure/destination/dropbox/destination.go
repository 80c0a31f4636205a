// Package dropbox uploads bundles into a Dropbox folder using a long-lived refresh token.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"golang.org/x/oauth2"
)

const (
	DefaultTokenURL   = "https://api.dropbox.com/oauth2/token"
	DefaultContentURL = "https://content.dropboxapi.com"

	// Single-request uploads are capped; larger files go through an upload session.
	DefaultChunkSize = 4 * 1024 * 1024
)

type Config struct {
	Name         string
	AppKey       string
	AppSecret    string
	RefreshToken string
	Folder       string
	TokenURL     string
	ContentURL   string
	ChunkSize    int
	Timeout      time.Duration
}

type Destination struct {
	name       string
	folder     string
	contentURL string
	chunkSize  int
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds a client whose token source refreshes the access token on demand and
// shares it across concurrent deliveries.
func New(cfg Config, executor *resilience.Executor) (*Destination, error) {
	if cfg.AppKey == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("dropbox app key and refresh token are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	contentURL := cfg.ContentURL
	if contentURL == "" {
		contentURL = DefaultContentURL
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "dropbox"
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.AppKey,
		ClientSecret: cfg.AppSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tokenSource := oauth2.ReuseTokenSource(nil, oauthCfg.TokenSource(context.Background(), &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	}))
	httpClient := oauth2.NewClient(context.Background(), tokenSource)
	httpClient.Timeout = timeout

	return &Destination{
		name:       name,
		folder:     "/" + strings.Trim(cfg.Folder, "/"),
		contentURL: strings.TrimRight(contentURL, "/"),
		chunkSize:  chunkSize,
		httpClient: httpClient,
		executor:   executor,
	}, nil
}

func (d *Destination) Name() string { return d.name }

func (d *Destination) Kind() domain.DestinationKind { return domain.DestinationCloudDrive }

// Deliver uploads in overwrite mode so a retried delivery replaces its own earlier copy.
func (d *Destination) Deliver(ctx context.Context, bundle domain.Bundle) (string, error) {
	pdfPath := path.Join(d.folder, bundle.Filename)
	ref, err := d.upload(ctx, pdfPath, bundle.PDF)
	if err != nil {
		return "", err
	}
	if len(bundle.Sidecar) > 0 {
		if _, err := d.upload(ctx, path.Join(d.folder, bundle.SidecarName()), bundle.Sidecar); err != nil {
			return "", err
		}
	}
	return ref, nil
}

type commitInfo struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

type sessionCursor struct {
	SessionID string `json:"session_id"`
	Offset    int    `json:"offset"`
}

type fileMetadata struct {
	ID          string `json:"id"`
	PathDisplay string `json:"path_display"`
}

func overwrite(p string) commitInfo {
	return commitInfo{Path: p, Mode: "overwrite", Autorename: false, Mute: true}
}

func (d *Destination) upload(ctx context.Context, target string, data []byte) (string, error) {
	var meta fileMetadata
	call := func(callCtx context.Context) error {
		var err error
		if len(data) <= d.chunkSize {
			err = d.content(callCtx, "/2/files/upload", overwrite(target), data, &meta)
		} else {
			meta, err = d.uploadSession(callCtx, target, data)
		}
		return err
	}

	var err error
	if d.executor != nil {
		err = d.executor.Execute(ctx, "dropbox.upload", call, remote.Classify)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", wrapDropboxError(err)
	}
	if meta.PathDisplay != "" {
		return meta.PathDisplay, nil
	}
	return target, nil
}

func (d *Destination) uploadSession(ctx context.Context, target string, data []byte) (fileMetadata, error) {
	var started struct {
		SessionID string `json:"session_id"`
	}
	first := data[:d.chunkSize]
	if err := d.content(ctx, "/2/files/upload_session/start", map[string]bool{"close": false}, first, &started); err != nil {
		return fileMetadata{}, err
	}

	cursor := sessionCursor{SessionID: started.SessionID, Offset: len(first)}
	for len(data)-cursor.Offset > d.chunkSize {
		chunk := data[cursor.Offset : cursor.Offset+d.chunkSize]
		arg := map[string]any{"cursor": cursor, "close": false}
		if err := d.content(ctx, "/2/files/upload_session/append_v2", arg, chunk, nil); err != nil {
			return fileMetadata{}, err
		}
		cursor.Offset += len(chunk)
	}

	var meta fileMetadata
	arg := map[string]any{"cursor": cursor, "commit": overwrite(target)}
	if err := d.content(ctx, "/2/files/upload_session/finish", arg, data[cursor.Offset:], &meta); err != nil {
		return fileMetadata{}, err
	}
	return meta, nil
}

// content calls a content-upload endpoint: arguments travel in the Dropbox-API-Arg
// header and the body is the raw chunk.
func (d *Destination) content(ctx context.Context, endpoint string, arg any, body []byte, out any) error {
	header, err := headerJSON(arg)
	if err != nil {
		return fmt.Errorf("encode dropbox arg: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.contentURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create dropbox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", header)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dropbox %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return remote.NewStatusError("dropbox", endpoint, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode dropbox %s response: %w", endpoint, err)
	}
	return nil
}

// headerJSON marshals v and escapes non-ASCII runes, which HTTP headers cannot carry.
func headerJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range string(raw) {
		if r < 0x80 {
			b.WriteRune(r)
			continue
		}
		for _, unit := range utf16.Encode([]rune{r}) {
			fmt.Fprintf(&b, `\u%04x`, unit)
		}
	}
	return b.String(), nil
}

func wrapDropboxError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && remote.IsRetryableStatus(retrieveErr.Response.StatusCode) {
			return domain.WrapError(domain.ErrTemporary, "dropbox token refresh", err)
		}
		return domain.WrapError(domain.ErrUnauthorized, "dropbox token refresh", err)
	}
	return remote.Wrap("dropbox upload", err)
}
