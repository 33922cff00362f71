// Package inference talks to the remote segmentation service: a single
// blocking multipart upload followed by classification of the reply.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/httputil"
	"github.com/banshee-data/lungseg/internal/monitoring"
)

// Multipart field names expected by the service.
const (
	FieldCiphertext = "ct"
	FieldPublicKey  = "public_key"
)

// MaxReplyBytes bounds how much of a reply body is read.
const MaxReplyBytes = 4 << 30

// Request is one upload.
type Request struct {
	Endpoint string
	// Ciphertext is streamed into the ct part under CiphertextName.
	Ciphertext     io.Reader
	CiphertextName string
	// PublicKey is forwarded as-is in the public_key part.
	PublicKey     []byte
	PublicKeyName string
}

// Client drives one request through Idle → Uploading → AwaitingReply → a
// terminal state. A Client is single-use.
type Client struct {
	http httputil.HTTPClient

	mu    sync.Mutex
	state State
}

// NewClient returns an idle client sending through c.
func NewClient(c httputil.HTTPClient) *Client {
	return &Client{http: c, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Client) set(to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
}

// Submit uploads req and waits for the reply. There is no retry; the HTTP
// client's timeout, if any, is the only deadline besides ctx. Transport
// failures leave the client Malformed and return a KindNetwork error.
func (c *Client) Submit(ctx context.Context, req Request) (*Reply, error) {
	const op = "submit"
	if !c.transition(StateIdle, StateUploading) {
		return nil, errs.Newf(errs.KindNetwork, op, "client already used (state %s)", c.State())
	}
	if req.Ciphertext == nil {
		c.set(StateMalformed)
		return nil, errs.New(errs.KindNetwork, op, "no ciphertext")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan error, 1)
	go func() {
		err := writeParts(mw, req)
		if err == nil {
			err = mw.Close()
		}
		if err == nil {
			c.transition(StateUploading, StateAwaitingReply)
		}
		pw.CloseWithError(err)
		written <- err
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		<-written
		c.set(StateMalformed)
		return nil, errs.Wrap(errs.KindNetwork, op, req.Endpoint, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	monitoring.Logf("POST %s (%s, %d-byte public key)", req.Endpoint, req.CiphertextName, len(req.PublicKey))
	resp, err := c.http.Do(httpReq)
	pr.Close()
	werr := <-written
	if err != nil {
		c.set(StateMalformed)
		return nil, errs.Wrap(errs.KindNetwork, op, req.Endpoint, err)
	}
	defer resp.Body.Close()

	// A server may answer before consuming the upload, so a write error after
	// a reply arrived is only logged.
	if werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
		monitoring.Warnf("upload body incomplete: %v", werr)
	}
	c.transition(StateUploading, StateAwaitingReply)

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxReplyBytes+1))
	if err != nil {
		c.set(StateMalformed)
		return nil, errs.Wrap(errs.KindNetwork, op, "read reply", err)
	}
	if int64(len(body)) > MaxReplyBytes {
		c.set(StateMalformed)
		return nil, errs.Newf(errs.KindNetwork, op, "reply exceeds %d bytes", int64(MaxReplyBytes))
	}
	return &Reply{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func writeParts(mw *multipart.Writer, req Request) error {
	ct, err := mw.CreateFormFile(FieldCiphertext, req.CiphertextName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(ct, req.Ciphertext); err != nil {
		return fmt.Errorf("stream ciphertext: %w", err)
	}
	pk, err := mw.CreateFormFile(FieldPublicKey, req.PublicKeyName)
	if err != nil {
		return err
	}
	_, err = pk.Write(req.PublicKey)
	return err
}

// Classify classifies reply and moves the client to the matching terminal state.
func (c *Client) Classify(reply *Reply) (*Result, error) {
	res, err := Classify(reply)
	c.set(res.Outcome.State())
	return res, err
}

// Do submits req and classifies the reply in one call.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	reply, err := c.Submit(ctx, req)
	if err != nil {
		return &Result{Outcome: Malformed}, err
	}
	monitoring.Logf("reply: HTTP %d, %s, %d bytes", reply.StatusCode, contentTypeOrUnknown(reply.ContentType), len(reply.Body))
	return c.Classify(reply)
}

func contentTypeOrUnknown(ct string) string {
	if ct == "" {
		return "no content type"
	}
	return ct
}
