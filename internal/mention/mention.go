// Package mention extracts @-mentions from finalized message text and
// resolves them against the profile directory.
package mention

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/user/khappy/internal/types"
)

var tokenPattern = regexp.MustCompile(`@(\w+)`)

// Tokens returns the mention names in text, left to right, without the
// leading '@'. Repeated mentions are kept.
func Tokens(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1])
	}
	return tokens
}

// Resolver maps tokens to profiles. Lookups are read-only.
type Resolver struct {
	Directory types.Directory
}

func NewResolver(dir types.Directory) *Resolver {
	return &Resolver{Directory: dir}
}

// Resolve returns one profile per resolved token, in text order. A token
// is matched by handle first, then display name. Unknown tokens are
// skipped.
func (r *Resolver) Resolve(ctx context.Context, text string) ([]types.Profile, error) {
	var resolved []types.Profile
	for _, token := range Tokens(text) {
		p, err := r.lookup(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("resolve @%s: %w", token, err)
		}
		if p != nil {
			resolved = append(resolved, *p)
		}
	}
	return resolved, nil
}

func (r *Resolver) lookup(ctx context.Context, token string) (*types.Profile, error) {
	p, err := r.Directory.FindByHandle(ctx, token)
	if err == nil && p != nil {
		return p, nil
	}
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	p, err = r.Directory.FindByDisplayName(ctx, token)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// Options controls how resolved mentions become notifications.
type Options struct {
	// NotifySelf keeps notifications for the sender mentioning themself.
	NotifySelf bool
}

// Notifications builds one unread notification per recipient for msg.
func Notifications(msg *types.Message, recipients []types.Profile, opts Options) []*types.Notification {
	now := time.Now().UTC()
	out := make([]*types.Notification, 0, len(recipients))
	for _, p := range recipients {
		if !opts.NotifySelf && p.ID == msg.Sender {
			continue
		}
		out = append(out, &types.Notification{
			ID:        types.NewNotificationID(),
			Recipient: p.ID,
			MessageID: msg.ID,
			CreatedAt: now,
		})
	}
	return out
}

// Highlight rewrites every mention token in text with fn, which receives
// the token including its '@'.
func Highlight(text string, fn func(token string) string) string {
	return tokenPattern.ReplaceAllStringFunc(text, fn)
}
