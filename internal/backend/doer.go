package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// doer issues one JSON request against the job server and decodes the
// response body into out when out is non-nil. It returns the HTTP status
// code; transport-level failures return an error instead.
//
// Two implementations exist with identical semantics: a native net/http
// client and a curl subprocess used when the server is only reachable
// through a remote shell hop.
type doer interface {
	do(ctx context.Context, method, path string, body, out interface{}) (int, error)
}

const requestTimeout = 30 * time.Second

// nativeDoer talks to the job server with a net/http client
type nativeDoer struct {
	base   string
	client *http.Client
}

func newNativeDoer(base string) *nativeDoer {
	return &nativeDoer{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (d *nativeDoer) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.base+path, payload)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// curlDoer shells out to curl, optionally across an SSH hop when the job
// server port is not reachable from this host. Response body and status code
// are produced in the same shape as nativeDoer.
type curlDoer struct {
	base      string
	sshTarget string
}

func newCurlDoer(base, sshTarget string) *curlDoer {
	return &curlDoer{base: strings.TrimRight(base, "/"), sshTarget: sshTarget}
}

func (d *curlDoer) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	args := []string{
		"-s", "-o", "-", "-w", "\n%{http_code}",
		"-X", method,
		"--max-time", strconv.Itoa(int(requestTimeout.Seconds())),
	}

	var stdin io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		args = append(args, "-H", "Content-Type: application/json", "--data-binary", "@-")
		stdin = bytes.NewReader(data)
	}
	args = append(args, d.base+path)

	var cmd *exec.Cmd
	if d.sshTarget != "" {
		cmd = exec.CommandContext(ctx, "ssh", append([]string{d.sshTarget, "curl"}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, "curl", args...)
	}
	cmd.Stdin = stdin

	raw, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("curl request failed: %w", err)
	}

	// Last line is the status code written by -w, everything before is body.
	text := string(raw)
	idx := strings.LastIndex(text, "\n")
	if idx < 0 {
		return 0, fmt.Errorf("curl produced no status line")
	}
	status, err := strconv.Atoi(strings.TrimSpace(text[idx+1:]))
	if err != nil {
		return 0, fmt.Errorf("parsing curl status line: %w", err)
	}
	bodyText := strings.TrimSpace(text[:idx])

	if out != nil && bodyText != "" {
		if err := json.Unmarshal([]byte(bodyText), out); err != nil {
			return status, fmt.Errorf("decoding response: %w", err)
		}
	}
	return status, nil
}
