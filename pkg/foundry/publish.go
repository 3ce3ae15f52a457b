package foundry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Upload describes one file to publish.
type Upload struct {
	// Dataset is an alias from RESOURCE_ALIAS_MAP or a dataset RID.
	Dataset string
	// Branch overrides the alias branch. Empty means the alias branch or master.
	Branch      string
	FileName    string
	ContentType string
	// Append adds the file to the dataset instead of replacing its contents.
	Append bool
}

// Result reports where a file landed.
type Result struct {
	Dataset        DatasetRef
	TransactionRID string
	FileName       string
	// Committed is false when the file joined a transaction someone else
	// opened; its owner commits it.
	Committed bool
}

// Publisher writes files into datasets, one transaction per file.
type Publisher struct {
	client   *Client
	env      Env
	attempts int
	backoff  time.Duration
}

// NewPublisher builds a Publisher from a loaded Env.
func NewPublisher(env Env) (*Publisher, error) {
	c, err := NewClient(env.APIGateway, env.Token, env.DefaultCAPath)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: c, env: env, attempts: 8, backoff: 200 * time.Millisecond}, nil
}

// Publish uploads body and commits the transaction it opened. When the
// dataset already has an open transaction (a build in progress), the file is
// staged there and left uncommitted.
//
// A transaction this call opened is aborted if the upload fails.
func (p *Publisher) Publish(ctx context.Context, up Upload, body []byte) (Result, error) {
	ref, err := p.env.Resolve(up.Dataset, up.Branch)
	if err != nil {
		return Result{}, err
	}
	name := strings.TrimSpace(up.FileName)
	if name == "" {
		return Result{}, fmt.Errorf("%w: file name is required", ErrInvalidUpload)
	}
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	txnType := Snapshot
	if up.Append {
		txnType = Append
	}

	res := Result{Dataset: ref, FileName: name, Committed: true}
	err = p.retry(ctx, func() error {
		var err error
		res.TransactionRID, err = p.client.CreateTransaction(ctx, ref.RID, ref.Branch, txnType)
		return err
	})
	if err != nil {
		if !isOpenTransactionAlreadyExists(err) {
			return Result{}, err
		}
		res.Committed = false
		var ok bool
		err = p.retry(ctx, func() error {
			var err error
			res.TransactionRID, ok, err = p.client.FindLatestOpenTransaction(ctx, ref.RID)
			return err
		})
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, fmt.Errorf("dataset %s reports an open transaction but none is listed", ref.RID)
		}
	}

	if err := p.retry(ctx, func() error {
		return p.client.UploadFile(ctx, ref.RID, res.TransactionRID, name, contentType, body)
	}); err != nil {
		if res.Committed {
			// Best effort: the upload error is what the caller needs.
			_ = p.client.AbortTransaction(context.WithoutCancel(ctx), ref.RID, res.TransactionRID)
		}
		return Result{}, err
	}

	if res.Committed {
		if err := p.retry(ctx, func() error {
			return p.client.CommitTransaction(ctx, ref.RID, res.TransactionRID)
		}); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func isOpenTransactionAlreadyExists(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusConflict {
		return false
	}
	return he.ErrorName == "OpenTransactionAlreadyExists" || he.ErrorCode == "CONFLICT"
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode/100 == 5
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// retry runs f until it succeeds, fails permanently or attempts run out,
// doubling the sleep between tries up to 2s.
func (p *Publisher) retry(ctx context.Context, f func() error) error {
	sleep := p.backoff
	for i := 0; ; i++ {
		err := f()
		if err == nil {
			return nil
		}
		if !isTransient(err) || i >= p.attempts-1 {
			return err
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		sleep = min(sleep*2, 2*time.Second)
	}
}
