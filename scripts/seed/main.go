package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wif-erp/wif-erp/internal/app"
	"github.com/wif-erp/wif-erp/internal/documents"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/db"
	"github.com/wif-erp/wif-erp/internal/sequence"
	"github.com/wif-erp/wif-erp/internal/shared"
	"github.com/wif-erp/wif-erp/internal/workflow"
)

const seedActor = 1

type company struct {
	code     string
	name     string
	timezone string
}

type account struct {
	company  string
	name     string
	kind     ledger.AccountKind
	currency string
	country  string
	balance  string
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Seeding companies...")
	companies, err := seedCompanies(ctx, pool, []company{
		{"WIF-MY", "WIF Malaysia Sdn Bhd", "Asia/Kuala_Lumpur"},
		{"WIF-JP", "WIF Japan KK", "Asia/Tokyo"},
	})
	if err != nil {
		log.Fatalf("seed companies: %v", err)
	}

	fmt.Println("→ Seeding accounts...")
	accounts, err := seedAccounts(ctx, pool, companies, []account{
		{"WIF-MY", "Maybank Operating", ledger.AccountKindBank, "MYR", "MY", "25000.00"},
		{"WIF-MY", "Petty Cash", ledger.AccountKindCash, "MYR", "MY", "500.00"},
		{"WIF-JP", "MUFG Operating", ledger.AccountKindBank, "JPY", "JP", "1500000"},
	})
	if err != nil {
		log.Fatalf("seed accounts: %v", err)
	}

	fmt.Println("→ Seeding documents...")
	if err := seedDocuments(ctx, pool, cfg, companies["WIF-MY"], accounts["Maybank Operating"]); err != nil {
		log.Fatalf("seed documents: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedCompanies(ctx context.Context, pool *pgxpool.Pool, rows []company) (map[string]int64, error) {
	ids := make(map[string]int64, len(rows))
	for _, c := range rows {
		var id int64
		err := pool.QueryRow(ctx, `
			INSERT INTO companies (code, name, timezone)
			VALUES ($1, $2, $3)
			ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, timezone = EXCLUDED.timezone, updated_at = NOW()
			RETURNING id`, c.code, c.name, c.timezone).Scan(&id)
		if err != nil {
			return nil, err
		}
		ids[c.code] = id
	}
	return ids, nil
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool, companies map[string]int64, rows []account) (map[string]int64, error) {
	ids := make(map[string]int64, len(rows))
	for _, a := range rows {
		companyID := companies[a.company]
		var id int64
		err := pool.QueryRow(ctx, `SELECT id FROM accounts WHERE company_id = $1 AND name = $2`, companyID, a.name).Scan(&id)
		if err == nil {
			ids[a.name] = id
			continue
		}
		err = pool.QueryRow(ctx, `
			INSERT INTO accounts (company_id, name, kind, currency, country, initial_balance, current_balance)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING id`, companyID, a.name, string(a.kind), a.currency, a.country, a.balance).Scan(&id)
		if err != nil {
			return nil, err
		}
		ids[a.name] = id
	}
	return ids, nil
}

// seedDocuments issues one invoice and settles part of it, once per company.
func seedDocuments(ctx context.Context, pool *pgxpool.Pool, cfg *app.Config, companyID, accountID int64) error {
	var existing int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE company_id = $1`, companyID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		fmt.Println("  documents already present, skipping")
		return nil
	}

	audit := shared.NewAuditLogger(pool)
	ledgerService := ledger.NewService(ledger.NewRepository(pool), audit, ledger.Options{
		Currencies: cfg.Currencies(),
		Retry:      cfg.RetryPolicy(),
	})
	sequencer := sequence.New(sequence.NewPGCounter(pool), sequence.Config{
		Brand:    cfg.NumberBrand,
		Location: cfg.Location(),
		Zones:    sequence.NewPGZones(pool),
		Retry:    cfg.RetryPolicy(),
	})
	service := documents.NewService(
		documents.NewRepository(pool, shared.NewApprovalRecorder(pool, nil)),
		workflow.NewGuard(cfg.Currencies()),
		ledgerService, sequencer, audit, nil,
	)
	actor := shared.Actor{ID: seedActor, Permissions: []string{shared.PermDocumentsEdit, shared.PermVoucherApprove}}

	now := time.Now().UTC()
	due := now.AddDate(0, 0, 30)
	invoice, err := service.SaveDocument(ctx, documents.SaveInput{
		Action: documents.ActionIssue,
		Actor:  actor,
		Document: &documents.Invoice{
			Header:       documents.Header{CompanyID: companyID, Currency: "MYR", Country: "MY"},
			CustomerName: "Acme Trading Sdn Bhd",
			IssueDate:    now,
			DueDate:      &due,
			Lines: []documents.Line{
				{Description: "Implementation services", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.RequireFromString("450.00")},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("issue invoice: %w", err)
	}
	invoiceID := invoice.Document.DocHeader().ID
	fmt.Println("  invoice", invoice.Document.DocHeader().Number)

	receipt, err := service.SaveDocument(ctx, documents.SaveInput{
		Actor: actor,
		Document: &documents.Receipt{
			Header:          documents.Header{CompanyID: companyID, Currency: "MYR", Country: "MY", AccountID: &accountID},
			PayerName:       "Acme Trading Sdn Bhd",
			PaymentMethod:   "bank transfer",
			ReceivedAt:      now,
			LinkedInvoiceID: &invoiceID,
			Total:           decimal.RequireFromString("2000.00"),
		},
	})
	if err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	fmt.Println("  receipt", receipt.Document.DocHeader().Number)
	return nil
}
