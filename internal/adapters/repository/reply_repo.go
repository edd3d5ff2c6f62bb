package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.ReplyTemplateStore = (*ReplyRepository)(nil)

const replyColumns = `id, organization_id, name, type, event, status, keywords, responses, created_at`

// ReplyRepository reads reply templates
type ReplyRepository struct {
	db *sql.DB
}

// NewReplyRepository creates a reply repository
func NewReplyRepository(db *sql.DB) *ReplyRepository {
	return &ReplyRepository{db: db}
}

func scanReply(row rowScanner) (*domain.Reply, error) {
	var (
		reply     domain.Reply
		keywords  []byte
		responses []byte
	)
	err := row.Scan(
		&reply.ID,
		&reply.OrganizationID,
		&reply.Name,
		&reply.Type,
		&reply.Event,
		&reply.Status,
		&keywords,
		&responses,
		&reply.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &reply.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords of reply %s: %w", reply.ID, err)
		}
	}
	if err := json.Unmarshal(responses, &reply.Responses); err != nil {
		return nil, fmt.Errorf("decode responses of reply %s: %w", reply.ID, err)
	}
	return &reply, nil
}

// LatestActiveWelcome returns the newest active automatic welcome reply
func (r *ReplyRepository) LatestActiveWelcome(ctx context.Context, orgID string) (*domain.Reply, error) {
	query := `SELECT ` + replyColumns + ` FROM replies
		WHERE organization_id = ? AND type = 'auto' AND event = 'welcome' AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1`

	reply, err := scanReply(r.db.QueryRowContext(ctx, query, orgID))
	if err != nil {
		return nil, notFound(err, "get welcome reply")
	}
	return reply, nil
}

// ResponseByKeyword resolves a normalized keyword through reply_keywords to
// the newest active automatic response reply
func (r *ReplyRepository) ResponseByKeyword(ctx context.Context, orgID, keyword string) (*domain.Reply, error) {
	query := `SELECT r.id, r.organization_id, r.name, r.type, r.event, r.status, r.keywords, r.responses, r.created_at
		FROM reply_keywords k
		JOIN replies r ON r.id = k.reply_id
		WHERE k.organization_id = ? AND k.keyword = ?
			AND r.type = 'auto' AND r.event = 'response' AND r.status = 'active'
		ORDER BY r.created_at DESC
		LIMIT 1`

	reply, err := scanReply(r.db.QueryRowContext(ctx, query, orgID, keyword))
	if err != nil {
		return nil, notFound(err, "get reply by keyword")
	}
	return reply, nil
}
