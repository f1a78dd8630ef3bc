package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix      = "user:"
	userEmailPrefix    = "user:email:"
	documentKeyPrefix  = "document:"
	grantKeyPrefix     = "grant:"
	grantTokenPrefix   = "grant:token:"
	maxTxRetries       = 16
	grantFieldUsed     = "usedPrints"
	grantFieldQuota    = "quota"
	grantFieldToken    = "token"
	grantFieldDocument = "documentId"
)

// Store はライブラリ情報を Redis に保存します。
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

// SaveUser はユーザーを作成または更新します。ID が空なら払い出します。
func (s *Store) SaveUser(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("user is nil")
	}
	email := normalizeEmail(user.Email)
	if email == "" {
		return fmt.Errorf("user email is required")
	}
	if user.ID == "" {
		existing, err := s.FindUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		if existing != nil {
			user.ID = existing.ID
			user.CreatedAt = existing.CreatedAt
		} else {
			user.ID = uuid.NewString()
		}
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	user.Email = email

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, userKeyPrefix+user.ID, map[string]any{
			"id":           user.ID,
			"email":        user.Email,
			"name":         user.Name,
			"role":         string(user.Role),
			"passwordHash": user.PasswordHash,
			"createdAt":    user.CreatedAt.Format(time.RFC3339Nano),
		})
		pipe.Set(ctx, userEmailPrefix+user.Email, user.ID, 0)
		return nil
	})
	return err
}

// FindUserByEmail はメールアドレスでユーザーを検索します。存在しない場合は nil を返します。
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	id, err := s.rdb.Get(ctx, userEmailPrefix+normalizeEmail(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.FindUserByID(ctx, id)
}

// FindUserByID はIDでユーザーを検索します。存在しない場合は nil を返します。
func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	fields, err := s.rdb.HGetAll(ctx, userKeyPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &User{
		ID:           fields["id"],
		Email:        fields["email"],
		Name:         fields["name"],
		Role:         Role(fields["role"]),
		PasswordHash: fields["passwordHash"],
		CreatedAt:    parseTime(fields["createdAt"]),
	}, nil
}

// SaveDocument はドキュメントを ID 単位で作成または上書きします。
func (s *Store) SaveDocument(ctx context.Context, doc *Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, documentKeyPrefix+doc.ID, payload, 0).Err()
}

// GetDocument はドキュメントを取得します。存在しない場合は nil を返します。
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	data, err := s.rdb.Get(ctx, documentKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpsertGrant はユーザーとドキュメントの組に対する印刷枠を作成または更新します。
// 枠は quota で上書きします。使用回数とトークンは新規作成時にのみ初期化し、
// 既存の枠では消費済みの回数を保持します。
func (s *Store) UpsertGrant(ctx context.Context, userID, documentID string, quota int) (*Grant, error) {
	if userID == "" || documentID == "" {
		return nil, fmt.Errorf("userID and documentID are required")
	}
	key := grantKey(userID, documentID)

	txf := func(tx *redis.Tx) error {
		token, err := tx.HGet(ctx, key, grantFieldToken).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		created, err := tx.HGet(ctx, key, "createdAt").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		now := s.now().Format(time.RFC3339Nano)
		if created == "" {
			created = now
		}
		newToken := token == ""
		if newToken {
			token = uuid.NewString()
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"userId":           userID,
				grantFieldDocument: documentID,
				grantFieldQuota:    quota,
				grantFieldToken:    token,
				"createdAt":        created,
				"updatedAt":        now,
			})
			pipe.HSetNX(ctx, key, grantFieldUsed, 0)
			pipe.SAdd(ctx, userGrantsKey(userID), documentID)
			if newToken {
				pipe.Set(ctx, grantTokenPrefix+token, key, 0)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return s.GetGrant(ctx, userID, documentID)
}

// GetGrant は印刷枠を取得します。存在しない場合は nil を返します。
func (s *Store) GetGrant(ctx context.Context, userID, documentID string) (*Grant, error) {
	return s.grantByKey(ctx, grantKey(userID, documentID))
}

// GrantByToken はトークンから印刷枠を取得します。存在しない場合は nil を返します。
func (s *Store) GrantByToken(ctx context.Context, token string) (*Grant, error) {
	key, err := s.rdb.Get(ctx, grantTokenPrefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.grantByKey(ctx, key)
}

// ListGrants はユーザーの印刷枠をすべて返します。
func (s *Store) ListGrants(ctx context.Context, userID string) ([]*Grant, error) {
	docIDs, err := s.rdb.SMembers(ctx, userGrantsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	grants := make([]*Grant, 0, len(docIDs))
	for _, docID := range docIDs {
		g, err := s.GetGrant(ctx, userID, docID)
		if err != nil {
			return nil, err
		}
		if g != nil {
			grants = append(grants, g)
		}
	}
	return grants, nil
}

// ConsumePrint はトークンの印刷枠を1回分消費し、更新後の枠を返します。
// 使用回数が枠に達している場合は ErrQuotaExhausted を返します。
func (s *Store) ConsumePrint(ctx context.Context, token string) (*Grant, error) {
	key, err := s.rdb.Get(ctx, grantTokenPrefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, grantFieldQuota, grantFieldUsed).Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return ErrGrantNotFound
		}
		quota := atoi(vals[0])
		used := atoi(vals[1])
		if used >= quota {
			return ErrQuotaExhausted
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, grantFieldUsed, 1)
			pipe.HSet(ctx, key, "updatedAt", s.now().Format(time.RFC3339Nano))
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return s.grantByKey(ctx, key)
}

func (s *Store) grantByKey(ctx context.Context, key string) (*Grant, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &Grant{
		UserID:     fields["userId"],
		DocumentID: fields[grantFieldDocument],
		Quota:      atoi(fields[grantFieldQuota]),
		UsedPrints: atoi(fields[grantFieldUsed]),
		Token:      fields[grantFieldToken],
		CreatedAt:  parseTime(fields["createdAt"]),
		UpdatedAt:  parseTime(fields["updatedAt"]),
	}, nil
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction retries exceeded for %v", keys)
}

func grantKey(userID, documentID string) string {
	return grantKeyPrefix + userID + ":" + documentID
}

func userGrantsKey(userID string) string {
	return userKeyPrefix + userID + ":grants"
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func atoi(v any) int {
	switch t := v.(type) {
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
