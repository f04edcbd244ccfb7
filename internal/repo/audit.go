package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/m1cart-orders/internal/audit"
)

// Audit persists audit log entries.
type Audit struct {
	DB DB
}

var _ audit.Store = (*Audit)(nil)

func (r *Audit) InsertAuditLog(ctx context.Context, e audit.Entry) error {
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}
	_, err := r.DB.Exec(ctx,
		`INSERT INTO audit_log (id, actor_kind, actor_user_id, actor_role, action, resource_type, resource_id,
			method, path, route, status, ip, user_agent, request_id, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''),
			$8, $9, NULLIF($10, ''), $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), $15::jsonb, $16)`,
		e.ID, e.ActorKind, e.ActorUserID, e.ActorRole, e.Action, e.ResourceType, e.ResourceID,
		e.Method, e.Path, e.Route, e.Status, e.IP, e.UserAgent, e.RequestID, metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *Audit) ListAuditLogs(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	if f.ResourceType != "" {
		args = append(args, f.ResourceType)
		conds = append(conds, "resource_type = $"+strconv.Itoa(len(args)))
	}
	if f.ResourceID != "" {
		args = append(args, f.ResourceID)
		conds = append(conds, "resource_id = $"+strconv.Itoa(len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	sql := `SELECT id, actor_kind, COALESCE(actor_user_id, ''), COALESCE(actor_role, ''), action, resource_type,
		COALESCE(resource_id, ''), method, path, COALESCE(route, ''), status, COALESCE(ip, ''),
		COALESCE(user_agent, ''), COALESCE(request_id, ''), metadata, created_at
		FROM audit_log` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()
	out := []audit.Entry{}
	for rows.Next() {
		var (
			e        audit.Entry
			metadata []byte
			at       time.Time
		)
		if err := rows.Scan(&e.ID, &e.ActorKind, &e.ActorUserID, &e.ActorRole, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.Method, &e.Path, &e.Route, &e.Status, &e.IP,
			&e.UserAgent, &e.RequestID, &metadata, &at); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if len(metadata) > 0 {
			e.Metadata = metadata
		}
		e.CreatedAt = at.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
