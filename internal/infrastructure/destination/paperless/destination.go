// Package paperless consumes bundles into a Paperless-ngx instance.
package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
)

type Config struct {
	Name         string
	Host         string
	Token        string
	PollAttempts int
	PollInterval time.Duration
	Timeout      time.Duration
}

type Destination struct {
	name         string
	host         string
	token        string
	pollAttempts int
	pollInterval time.Duration
	httpClient   *http.Client
	executor     *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) (*Destination, error) {
	if strings.TrimSpace(cfg.Host) == "" || cfg.Token == "" {
		return nil, fmt.Errorf("paperless host and token are required")
	}
	pollAttempts := cfg.PollAttempts
	if pollAttempts <= 0 {
		pollAttempts = 10
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "paperless"
	}
	return &Destination{
		name:         name,
		host:         strings.TrimRight(cfg.Host, "/"),
		token:        cfg.Token,
		pollAttempts: pollAttempts,
		pollInterval: pollInterval,
		httpClient:   &http.Client{Timeout: timeout},
		executor:     executor,
	}, nil
}

func (d *Destination) Name() string { return d.name }

func (d *Destination) Kind() domain.DestinationKind { return domain.DestinationDMS }

type consumeTask struct {
	Status          string `json:"status"`
	Result          string `json:"result"`
	RelatedDocument any    `json:"related_document"`
}

// Deliver posts the document and waits for the consumer task. Paperless refuses exact
// duplicates, which means an earlier attempt already archived this file.
func (d *Destination) Deliver(ctx context.Context, bundle domain.Bundle) (string, error) {
	var taskID string
	call := func(callCtx context.Context) error {
		id, err := d.postDocument(callCtx, bundle)
		if err != nil {
			return err
		}
		taskID = id
		return nil
	}

	var err error
	if d.executor != nil {
		err = d.executor.Execute(ctx, "paperless.post_document", call, remote.Classify)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", remote.Wrap("paperless post document", err)
	}

	return d.waitForDocument(ctx, taskID)
}

func (d *Destination) postDocument(ctx context.Context, bundle domain.Bundle) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("document", bundle.Filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(bundle.PDF); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	title := strings.TrimSpace(bundle.Metadata.Title)
	if title == "" {
		title = bundle.Filename
	}
	fields := map[string]string{"title": title}
	if bundle.Metadata.Date != "" {
		fields["created"] = bundle.Metadata.Date
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return "", fmt.Errorf("write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.host+"/api/documents/post_document/", &body)
	if err != nil {
		return "", fmt.Errorf("create post request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Token "+d.token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("paperless post request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", remote.NewStatusError("paperless", "post_document", resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("read task id: %w", err)
	}
	taskID := strings.Trim(strings.TrimSpace(string(raw)), `"'`)
	if taskID == "" {
		return "", fmt.Errorf("paperless returned an empty task id")
	}
	return taskID, nil
}

func (d *Destination) waitForDocument(ctx context.Context, taskID string) (string, error) {
	var lastStatus string
	for attempt := 0; attempt < d.pollAttempts; attempt++ {
		task, found, err := d.fetchTask(ctx, taskID)
		if err != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err == nil && found {
			lastStatus = task.Status
			switch task.Status {
			case "SUCCESS":
				if ref := documentRef(task.RelatedDocument); ref != "" {
					return "paperless:document/" + ref, nil
				}
				return "", domain.WrapError(domain.ErrRejected, "paperless task", fmt.Errorf("task %s succeeded without document id", taskID))
			case "FAILURE":
				if isDuplicate(task.Result) {
					return "paperless:duplicate/" + taskID, nil
				}
				return "", domain.WrapError(domain.ErrRejected, "paperless task", fmt.Errorf("task %s failed: %s", taskID, task.Result))
			}
		}

		if err := resilience.Sleep(ctx, d.pollInterval); err != nil {
			return "", err
		}
	}
	return "", domain.WrapError(domain.ErrTemporary, "paperless task",
		fmt.Errorf("task %s not finished after %d polls (last status %q)", taskID, d.pollAttempts, lastStatus))
}

func (d *Destination) fetchTask(ctx context.Context, taskID string) (consumeTask, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.host+"/api/tasks/?task_id="+url.QueryEscape(taskID), nil)
	if err != nil {
		return consumeTask{}, false, fmt.Errorf("create task request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return consumeTask{}, false, fmt.Errorf("paperless task request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return consumeTask{}, false, remote.NewStatusError("paperless", "tasks", resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return consumeTask{}, false, fmt.Errorf("read task response: %w", err)
	}

	tasks, err := decodeTasks(raw)
	if err != nil {
		return consumeTask{}, false, err
	}
	if len(tasks) == 0 {
		return consumeTask{}, false, nil
	}
	return tasks[0], true, nil
}

// decodeTasks accepts both the bare list and the paginated {"results": [...]} shape.
func decodeTasks(raw []byte) ([]consumeTask, error) {
	var list []consumeTask
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var page struct {
		Results []consumeTask `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode task response: %w", err)
	}
	return page.Results, nil
}

func documentRef(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}

func isDuplicate(result string) bool {
	lower := strings.ToLower(result)
	return strings.Contains(lower, "duplicate") || strings.Contains(lower, "already exists")
}
