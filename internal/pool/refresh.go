package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"codeassist-gateway/internal/oauth"
	log "github.com/sirupsen/logrus"
)

// flight is one in-progress refresh; concurrent callers for the same
// credential wait on done instead of issuing their own exchange.
type flight struct {
	done chan struct{}
	err  error
}

// ensureFresh refreshes the credential's access token when it is expired or
// inside the safety buffer. Concurrent calls for the same credential coalesce
// into a single upstream exchange.
func (p *Pool) ensureFresh(ctx context.Context, credID string) error {
	cred := p.lookup(credID)
	if cred == nil {
		return errors.New("credential not found")
	}
	if !cred.Expired(p.refreshAhead) {
		return nil
	}
	if p.refresher == nil {
		return errors.New("no refresher configured")
	}

	p.inflightMu.Lock()
	if f, ok := p.inflight[credID]; ok {
		p.inflightMu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	p.inflight[credID] = f
	p.inflightMu.Unlock()

	f.err = p.refreshOne(ctx, credID)
	close(f.done)

	p.inflightMu.Lock()
	delete(p.inflight, credID)
	p.inflightMu.Unlock()
	return f.err
}

// refreshOne performs the exchange and applies the result. An unrecoverable
// failure disables the credential and persists that immediately.
func (p *Pool) refreshOne(ctx context.Context, credID string) error {
	cred := p.lookup(credID)
	if cred == nil {
		return errors.New("credential not found")
	}

	start := time.Now()
	tok, err := p.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		var rerr *oauth.RefreshError
		if errors.As(err, &rerr) && rerr.Unrecoverable() {
			p.Disable(credID, rerr.Error())
		}
		return err
	}

	p.mu.Lock()
	if c := p.lookupLocked(credID); c != nil {
		c.AccessToken = tok.AccessToken
		c.AccessExpiry = tok.Expiry
	}
	working := cloneAll(p.creds)
	p.mu.Unlock()

	if err := p.st.MergeActive(working, nil); err != nil {
		log.WithError(err).Warnf("pool: persisting refreshed token for %s failed", credID)
	}
	log.WithFields(log.Fields{
		"credential": credID,
		"took":       time.Since(start).Round(time.Millisecond).String(),
	}).Debug("pool: access token refreshed")
	return nil
}

// RefreshExpired refreshes every enabled credential whose token is expired,
// concurrently, and waits for all results. Credentials whose refresh fails
// unrecoverably come back disabled; transient failures keep the credential in
// rotation for lazy retry. Returns (refreshed, disabled) counts.
func (p *Pool) RefreshExpired(ctx context.Context) (int, int) {
	p.mu.Lock()
	var stale []string
	for _, c := range p.creds {
		if c.Enabled && c.Expired(p.refreshAhead) {
			stale = append(stale, c.ID)
		}
	}
	p.mu.Unlock()
	if len(stale) == 0 {
		return 0, 0
	}
	log.Infof("pool: refreshing %d expired credentials", len(stale))

	var wg sync.WaitGroup
	errs := make([]error, len(stale))
	for i, id := range stale {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = p.ensureFresh(ctx, id)
		}(i, id)
	}
	wg.Wait()

	refreshed, disabled := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			refreshed++
		default:
			var rerr *oauth.RefreshError
			if errors.As(err, &rerr) && rerr.Unrecoverable() {
				disabled++
			} else {
				log.WithError(err).Warnf("pool: transient refresh failure for %s, kept in rotation", stale[i])
			}
		}
	}
	log.Infof("pool: startup refresh done: %d refreshed, %d disabled, %d transient failures",
		refreshed, disabled, len(stale)-refreshed-disabled)
	return refreshed, disabled
}
