package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vpagate/vpagate/internal/domain"
)

func (q *Queries) InsertQRCode(ctx context.Context, qr *domain.QRCode) error {
	_, err := q.exec(ctx,
		`INSERT INTO qr_codes (id, merchant_id, identifier, vpa, created_at)
		VALUES (?,?,?,?,?)`,
		qr.ID, qr.MerchantID, qr.Identifier, qr.VPA, formatTime(qr.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert qr code: %w", err)
	}
	return nil
}

func (q *Queries) GetQRCodeByIdentifier(ctx context.Context, identifier string) (*domain.QRCode, error) {
	var qr domain.QRCode
	var createdAt string
	err := q.queryRow(ctx,
		"SELECT id, merchant_id, identifier, vpa, created_at FROM qr_codes WHERE identifier = ?",
		identifier,
	).Scan(&qr.ID, &qr.MerchantID, &qr.Identifier, &qr.VPA, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get qr code: %w", err)
	}
	qr.CreatedAt = parseTime(createdAt)
	return &qr, nil
}
