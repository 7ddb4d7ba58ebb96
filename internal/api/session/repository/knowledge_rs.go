package sessionRepository

import (
	"RepairLens/internal/entity"
	contextPkg "RepairLens/pkg/context"
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type knowledgeRepository struct {
	q   SQLExecutor
	log *logrus.Logger
}

type toolkitRow struct {
	ToolName sql.NullString `db:"tool_name"`
}

func (r *knowledgeRepository) GetCategoryToolkit(ctx context.Context, category string) ([]string, error) {
	requestID := contextPkg.GetRequestID(ctx)

	argsKV := map[string]interface{}{
		"category": strings.ToLower(category),
	}

	query, args, err := sqlx.Named(queryGetCategoryToolkit, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to build toolkit query")
		return nil, err
	}
	query = r.q.Rebind(query)

	var rows []toolkitRow
	if err := r.q.SelectContext(ctx, &rows, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"category":   category,
			"error":      err.Error(),
		}).Error("Failed to query category toolkit")
		return nil, err
	}

	tools := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ToolName.Valid && row.ToolName.String != "" {
			tools = append(tools, row.ToolName.String)
		}
	}

	return tools, nil
}

func (r *knowledgeRepository) GetSubstituteHints(ctx context.Context, items []string) ([]entity.SubstituteHint, error) {
	requestID := contextPkg.GetRequestID(ctx)

	if len(items) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(items))
	for _, item := range items {
		lowered = append(lowered, strings.ToLower(item))
	}

	query, args, err := sqlx.In(queryGetSubstituteHints, lowered)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to build substitute hints query")
		return nil, err
	}
	query = r.q.Rebind(query)

	var hints []entity.SubstituteHint
	if err := r.q.SelectContext(ctx, &hints, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to query substitute hints")
		return nil, err
	}

	return hints, nil
}
