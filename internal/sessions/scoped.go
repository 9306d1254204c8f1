package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaybot/relay/pkg/models"
)

// ScopedStore restricts a Store to sessions whose key carries a given
// prefix and to an explicit allow-list of metadata keys. Sub-agents get a
// ScopedStore so a child can never read or write its parent's session
// state.
type ScopedStore struct {
	inner     Store
	keyPrefix string
	metaKeys  map[string]bool
}

// NewScopedStore wraps inner with a key prefix and metadata allow-list.
// An empty allow-list denies all metadata access.
func NewScopedStore(inner Store, keyPrefix string, metaKeys []string) *ScopedStore {
	allowed := make(map[string]bool, len(metaKeys))
	for _, k := range metaKeys {
		allowed[k] = true
	}
	return &ScopedStore{inner: inner, keyPrefix: keyPrefix, metaKeys: allowed}
}

func (s *ScopedStore) scopeKey(key string) string {
	if strings.HasPrefix(key, s.keyPrefix) {
		return key
	}
	return s.keyPrefix + key
}

func (s *ScopedStore) checkSession(ctx context.Context, sessionID string) error {
	session, err := s.inner.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(session.Key, s.keyPrefix) {
		return fmt.Errorf("session %s outside scope %q", sessionID, s.keyPrefix)
	}
	return nil
}

func (s *ScopedStore) Create(ctx context.Context, session *models.Session) error {
	session.Key = s.scopeKey(session.Key)
	return s.inner.Create(ctx, session)
}

func (s *ScopedStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(session.Key, s.keyPrefix) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *ScopedStore) Update(ctx context.Context, session *models.Session) error {
	if err := s.checkSession(ctx, session.ID); err != nil {
		return err
	}
	session.Key = s.scopeKey(session.Key)
	return s.inner.Update(ctx, session)
}

func (s *ScopedStore) Delete(ctx context.Context, id string) error {
	if err := s.checkSession(ctx, id); err != nil {
		return err
	}
	return s.inner.Delete(ctx, id)
}

func (s *ScopedStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return s.inner.GetByKey(ctx, s.scopeKey(key))
}

func (s *ScopedStore) GetOrCreate(ctx context.Context, key, agentID string) (*models.Session, error) {
	return s.inner.GetOrCreate(ctx, s.scopeKey(key), agentID)
}

func (s *ScopedStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := s.checkSession(ctx, sessionID); err != nil {
		return err
	}
	return s.inner.AppendMessage(ctx, sessionID, msg)
}

func (s *ScopedStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if err := s.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.inner.History(ctx, sessionID, limit)
}

func (s *ScopedStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error {
	if err := s.checkSession(ctx, sessionID); err != nil {
		return err
	}
	return s.inner.ReplaceHistory(ctx, sessionID, msgs)
}

func (s *ScopedStore) SaveUsage(ctx context.Context, sessionID string, usage models.Usage) error {
	if err := s.checkSession(ctx, sessionID); err != nil {
		return err
	}
	return s.inner.SaveUsage(ctx, sessionID, usage)
}

func (s *ScopedStore) TotalUsage(ctx context.Context, sessionID string) (models.Usage, error) {
	if err := s.checkSession(ctx, sessionID); err != nil {
		return models.Usage{}, err
	}
	return s.inner.TotalUsage(ctx, sessionID)
}

func (s *ScopedStore) SetMeta(ctx context.Context, sessionID, key string, value any) error {
	if !s.metaKeys[key] {
		return fmt.Errorf("metadata key %q not in scope", key)
	}
	if err := s.checkSession(ctx, sessionID); err != nil {
		return err
	}
	return s.inner.SetMeta(ctx, sessionID, key, value)
}

func (s *ScopedStore) GetMeta(ctx context.Context, sessionID, key string) (any, bool, error) {
	if !s.metaKeys[key] {
		return nil, false, fmt.Errorf("metadata key %q not in scope", key)
	}
	if err := s.checkSession(ctx, sessionID); err != nil {
		return nil, false, err
	}
	return s.inner.GetMeta(ctx, sessionID, key)
}
