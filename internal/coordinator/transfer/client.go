// Package transfer is the coordinator's client for the worker HTTP plane.
package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tcluster/pkg/model"
)

var (
	// ErrUnreachable covers dial failures, refused connections and timeouts.
	ErrUnreachable = errors.New("node unreachable")
	ErrBusy        = errors.New("node busy")
)

// StatusError is a non-2xx answer from a worker.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: worker answered %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: worker answered %d: %s", e.Op, e.Code, e.Message)
}

type Options struct {
	SubmitTimeout time.Duration
	StatusTimeout time.Duration
	Transport     http.RoundTripper
	Logger        *zap.Logger
}

type Client struct {
	http          *http.Client
	submitTimeout time.Duration
	statusTimeout time.Duration
	log           *zap.Logger
}

func New(opts Options) *Client {
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 2 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tr := opts.Transport
	if tr == nil {
		tr = &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Client{
		http:          &http.Client{Transport: tr},
		submitTimeout: opts.SubmitTimeout,
		statusTimeout: opts.StatusTimeout,
		log:           opts.Logger,
	}
}

// SubmitRequest describes one submission of a local input file.
type SubmitRequest struct {
	TaskID     string
	Attempt    int
	InputPath  string
	OutputName string
	Args       []string
}

// Accepted is the worker's answer to a successful submission.
type Accepted struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Submit streams the input file, base64 encoded inside the JSON body, to
// the worker at addr. It returns once the worker has decoded the input and
// started the encode.
func (c *Client) Submit(ctx context.Context, addr string, req SubmitRequest) (Accepted, error) {
	f, err := os.Open(req.InputPath)
	if err != nil {
		return Accepted{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Accepted{}, fmt.Errorf("stat input: %w", err)
	}

	prefix, suffix, err := envelope(req)
	if err != nil {
		return Accepted{}, err
	}
	length := int64(len(prefix)+len(suffix)) + int64(base64.StdEncoding.EncodedLen(int(fi.Size())))

	pr, pw := io.Pipe()
	// Closing the read side unblocks the writer if the worker answers early.
	defer pr.Close()
	go func() {
		pw.CloseWithError(writeBody(pw, prefix, suffix, f))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()
	q := url.Values{"task_id": {req.TaskID}, "attempt": {strconv.Itoa(req.Attempt)}}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(addr, "/task", q), pr)
	if err != nil {
		return Accepted{}, err
	}
	hreq.ContentLength = length
	hreq.Header.Set("Content-Type", "application/json")

	c.log.Debug("submitting",
		zap.String("task", req.TaskID),
		zap.String("node", addr),
		zap.Int64("bytes", length))
	resp, err := c.http.Do(hreq)
	if err != nil {
		return Accepted{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	var acc Accepted
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&acc)
	switch {
	case resp.StatusCode == http.StatusConflict || acc.Status == "busy":
		return acc, ErrBusy
	case resp.StatusCode/100 != 2:
		return acc, &StatusError{Op: "submit", Code: resp.StatusCode, Message: acc.Error}
	case acc.Status != "accepted":
		return acc, &StatusError{Op: "submit", Code: resp.StatusCode, Message: "unexpected status " + strconv.Quote(acc.Status)}
	}
	return acc, nil
}

// envelope renders the JSON around the base64 payload.
func envelope(req SubmitRequest) (string, string, error) {
	head := struct {
		TaskID     string   `json:"task_id"`
		Attempt    int      `json:"attempt"`
		EncodeArgs []string `json:"encode_args"`
		OutputName string   `json:"output_name,omitempty"`
	}{req.TaskID, req.Attempt, req.Args, req.OutputName}
	if head.EncodeArgs == nil {
		head.EncodeArgs = []string{}
	}
	b, err := json.Marshal(head)
	if err != nil {
		return "", "", err
	}
	name, err := json.Marshal(filepath.Base(req.InputPath))
	if err != nil {
		return "", "", err
	}
	prefix := string(b[:len(b)-1]) + `,"input_artifact":{"name":` + string(name) + `,"encoded_data":"`
	return prefix, `"}}`, nil
}

func writeBody(w io.Writer, prefix, suffix string, src io.Reader) error {
	if _, err := io.WriteString(w, prefix); err != nil {
		return err
	}
	enc := base64.NewEncoder(base64.StdEncoding, w)
	if _, err := io.Copy(enc, src); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, suffix)
	return err
}

// Status queries GET /status with the short status timeout.
func (c *Client) Status(ctx context.Context, addr string) (model.WorkerStatusSnapshot, error) {
	var snap model.WorkerStatusSnapshot
	err := c.getJSON(ctx, addr, "/status", c.statusTimeout, &snap)
	if err != nil {
		return snap, err
	}
	if _, err := model.ParseNodeStatus(string(snap.Status)); err != nil {
		return snap, &StatusError{Op: "status", Code: http.StatusOK, Message: err.Error()}
	}
	return snap, nil
}

func (c *Client) Capabilities(ctx context.Context, addr string) (model.Capabilities, error) {
	var caps model.Capabilities
	err := c.getJSON(ctx, addr, "/capabilities", c.statusTimeout, &caps)
	return caps, err
}

func (c *Client) Ping(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	resp, err := c.get(ctx, endpoint(addr, "/ping", nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "ping", Code: resp.StatusCode}
	}
	return nil
}

// Download fetches the named artifact into dest, through a temporary file
// in the same directory, and returns its size.
func (c *Client) Download(ctx context.Context, addr, name, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()
	resp, err := c.get(ctx, endpoint(addr, "/download", url.Values{"file": {name}}))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Op: "download", Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, classify(ctx, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, addr, path string, timeout time.Duration, v any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.get(ctx, endpoint(addr, path, nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: strings.TrimPrefix(path, "/"), Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(v); err != nil {
		return classify(ctx, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return resp, nil
}

func endpoint(addr, path string, q url.Values) string {
	u := url.URL{Scheme: "http", Host: addr, Path: path}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func errorMessage(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body)
	return body.Error
}

// classify maps transport failures onto ErrUnreachable. A cancelled parent
// context is passed through unchanged.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &opErr),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}
