package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	defaultHasherPrefix = "sha256:"
	auditIDPrefix       = "aud_"
	maxAuditKeyLength   = 80
)

// AuditLogger receives append failures; observability.PrintfAdapter satisfies it.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      AuditLogger
	// HashSalt is mixed into every hash so audit rows cannot be matched against unsalted dumps.
	HashSalt string
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	now    func() time.Time
	newID  func() string
	warn   func(format string, args ...any)
	hasher saltedHasher
}

func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:   deps.Repository,
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
		warn:   func(string, ...any) {},
		hasher: saltedHasher(deps.HashSalt),
	}
	if deps.Clock != nil {
		svc.now = deps.Clock
	}
	if deps.IDGenerator != nil {
		svc.newID = deps.IDGenerator
	}
	if deps.Logger != nil {
		svc.warn = deps.Logger.Warnf
	}
	return svc, nil
}

// Record appends the sanitised entry. It never fails the caller: an append error is only logged.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	if err := s.repo.Append(ctx, s.entry(record)); err != nil {
		s.warn("audit log append failed for %s: %v", sanitizeText(record.Action, 120), err)
	}
}

func (s *auditLogService) entry(record AuditLogRecord) domain.AuditLogEntry {
	created := s.now().UTC()
	occurred := record.OccurredAt.UTC()
	if record.OccurredAt.IsZero() {
		occurred = created
	}

	entry := domain.AuditLogEntry{
		ID:         auditIDPrefix + s.newID(),
		Actor:      sanitizeText(record.Actor, 160),
		ActorType:  classifyActor(record.ActorType, record.Actor),
		Action:     sanitizeText(record.Action, 120),
		TargetRef:  sanitizeText(record.TargetRef, 200),
		Severity:   severityOf(record.Severity),
		RequestID:  sanitizeText(record.RequestID, 128),
		UserAgent:  sanitizeText(record.UserAgent, 256),
		OccurredAt: occurred,
		CreatedAt:  created,
	}
	if ip := strings.TrimSpace(record.IPAddress); ip != "" {
		entry.IPHash = s.hasher.sum(ip)
	}

	redactMeta := keySet(record.SensitiveMetadataKeys)
	for key, value := range record.Metadata {
		if key = sanitizeText(key, maxAuditKeyLength); key == "" {
			continue
		}
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, len(record.Metadata))
		}
		entry.Metadata[key] = s.redact(value, redactMeta.has(key))
	}

	redactDiff := keySet(record.SensitiveDiffKeys)
	for key, change := range record.Diff {
		if key = sanitizeText(key, maxAuditKeyLength); key == "" {
			continue
		}
		if entry.Diff == nil {
			entry.Diff = make(map[string]domain.AuditLogDiff, len(record.Diff))
		}
		hide := redactDiff.has(key)
		entry.Diff[key] = domain.AuditLogDiff{Before: s.redact(change.Before, hide), After: s.redact(change.After, hide)}
	}
	return entry
}

// redact hashes value when hide is set, and otherwise strips markup from textual values.
func (s *auditLogService) redact(value any, hide bool) any {
	if hide {
		return s.hasher.sum(canonicalText(value))
	}
	switch v := value.(type) {
	case string:
		return sanitizeReason(v)
	case fmt.Stringer:
		return sanitizeReason(v.String())
	}
	return value
}

type saltedHasher string

func (h saltedHasher) sum(value string) string {
	digest := sha256.Sum256([]byte(string(h) + strings.TrimSpace(value)))
	return defaultHasherPrefix + hex.EncodeToString(digest[:])
}

// canonicalText gives equal values equal text; encoding/json sorts map keys.
func canonicalText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	if b, err := json.Marshal(value); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%T", value)
}

type lowerKeySet map[string]struct{}

func keySet(keys []string) lowerKeySet {
	set := make(lowerKeySet, len(keys))
	for _, key := range keys {
		if key = sanitizeText(key, maxAuditKeyLength); key != "" {
			set[strings.ToLower(key)] = struct{}{}
		}
	}
	return set
}

func (s lowerKeySet) has(key string) bool {
	_, ok := s[strings.ToLower(key)]
	return ok
}

// classifyActor trusts an explicit type when it is known and otherwise reads the actor prefix.
func classifyActor(explicit, actor string) string {
	switch t := strings.ToLower(strings.TrimSpace(explicit)); t {
	case "user", "staff", "system", "service":
		return t
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	prefix, _, _ := strings.Cut(actor, ":")
	switch {
	case prefix == "user", prefix == "staff":
		return prefix
	case actor == systemActor, prefix == "system", prefix == "workflow":
		return "system"
	}
	return "unknown"
}

func severityOf(severity string) string {
	switch s := strings.ToLower(strings.TrimSpace(severity)); s {
	case "warn", "warning":
		return "warn"
	case "error":
		return s
	}
	return "info"
}

// sanitizeText drops control characters other than whitespace and caps the result at limit bytes.
func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	var b strings.Builder
	for _, r := range strings.TrimSpace(input) {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			continue
		}
		if b.Len()+len(string(r)) > limit {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
