package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clearledger/deposit-reconciler/internal/models"
)

// DBConfig selects and addresses the database backing the durable store.
type DBConfig struct {
	Driver   string // "postgres" or "mysql"
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// Gorm is the durable Store. The unique indexes declared on the models carry
// the invariants: (bankAccountID, externalID) dedupes ingestion, and the
// active-key columns on matches make matched-once a single conditional
// insert.
type Gorm struct {
	db *gorm.DB
}

var _ Store = (*Gorm)(nil)

// Open connects per config and migrates the schema. TranslateError is on so
// unique-index violations surface as gorm.ErrDuplicatedKey across drivers.
func Open(cfg DBConfig) (*Gorm, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		dialector = mysql.Open(dsn)
	case "postgres", "":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.BankAccount{},
		&models.BankTransaction{},
		&models.BankAccountBalance{},
		&models.DailyPaymentRecord{},
		&models.Match{},
		&models.ReconciliationPeriod{},
		&models.Discrepancy{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Gorm{db: db}, nil
}

func (s *Gorm) ResolveAccount(ctx context.Context, accountNumber, routingNumber string) (models.BankAccount, error) {
	var account models.BankAccount
	err := s.db.WithContext(ctx).
		Where("account_number = ? AND routing_number = ?", accountNumber, routingNumber).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.BankAccount{}, ErrAccountNotFound
	}
	if err != nil {
		return models.BankAccount{}, err
	}
	return account, nil
}

func (s *Gorm) UpsertBalance(ctx context.Context, bal models.BankAccountBalance) error {
	bal.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bank_account_id"}, {Name: "as_of_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
	}).Create(&bal).Error
}

func (s *Gorm) InsertTransactions(ctx context.Context, txns []models.BankTransaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}
	for i := range txns {
		if txns[i].ID == "" {
			txns[i].ID = uuid.NewString()
		}
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&txns)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *Gorm) ListTransactions(ctx context.Context, bankAccountID string, from, to time.Time) ([]models.BankTransaction, error) {
	var txns []models.BankTransaction
	err := s.db.WithContext(ctx).
		Where("bank_account_id = ? AND posted_date >= ? AND posted_date < ?", bankAccountID, from, to).
		Order("posted_date, external_id").
		Find(&txns).Error
	return txns, err
}

func (s *Gorm) GetTransaction(ctx context.Context, id string) (models.BankTransaction, error) {
	var txn models.BankTransaction
	err := s.db.WithContext(ctx).First(&txn, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.BankTransaction{}, ErrNotFound
	}
	return txn, err
}

func (s *Gorm) ListDailyPayments(ctx context.Context, facilityID string, from, to time.Time) ([]models.DailyPaymentRecord, error) {
	var records []models.DailyPaymentRecord
	err := s.db.WithContext(ctx).
		Where("facility_id = ? AND business_date >= ? AND business_date < ?", facilityID, from, to).
		Order("business_date").
		Find(&records).Error
	return records, err
}

func (s *Gorm) GetDailyPayment(ctx context.Context, id string) (models.DailyPaymentRecord, error) {
	var record models.DailyPaymentRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DailyPaymentRecord{}, ErrNotFound
	}
	return record, err
}

func (s *Gorm) CreateMatch(ctx context.Context, m models.Match) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	txnKey := m.BankTransactionID
	pk := paymentKey(m.DailyPaymentRecordID, m.Channel)
	m.ActiveTxnKey = &txnKey
	m.ActivePaymentKey = &pk

	err := s.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrMatchConflict
	}
	return err
}

func (s *Gorm) GetMatch(ctx context.Context, id string) (models.Match, error) {
	var m models.Match
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Match{}, ErrNotFound
	}
	return m, err
}

func (s *Gorm) ReverseMatch(ctx context.Context, matchID, reversedBy string) (models.Match, error) {
	var m models.Match
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ?", matchID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		now := time.Now()
		res := tx.Model(&models.Match{}).
			Where("id = ? AND reversed = ?", matchID, false).
			Updates(map[string]interface{}{
				"reversed":           true,
				"reversed_by":        reversedBy,
				"reversed_at":        now,
				"active_txn_key":     nil,
				"active_payment_key": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleTransition
		}
		m.Reversed = true
		m.ReversedBy = &reversedBy
		m.ReversedAt = &now
		m.ActiveTxnKey = nil
		m.ActivePaymentKey = nil
		return nil
	})
	if err != nil {
		return models.Match{}, err
	}
	return m, nil
}

func (s *Gorm) ListMatches(ctx context.Context, periodID string) ([]models.Match, error) {
	var matches []models.Match
	err := s.db.WithContext(ctx).
		Where("reconciliation_period_id = ?", periodID).
		Order("matched_at").
		Find(&matches).Error
	return matches, err
}

func (s *Gorm) GetOrCreatePeriod(ctx context.Context, facilityID, bankAccountID string, month, year int) (models.ReconciliationPeriod, error) {
	p := models.ReconciliationPeriod{
		ID:            uuid.NewString(),
		FacilityID:    facilityID,
		BankAccountID: bankAccountID,
		Month:         month,
		Year:          year,
		Status:        models.PeriodOpen,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ReconciliationPeriod{}, err
	}
	var out models.ReconciliationPeriod
	err = s.db.WithContext(ctx).
		Where("bank_account_id = ? AND month = ? AND year = ?", bankAccountID, month, year).
		First(&out).Error
	return out, err
}

func (s *Gorm) GetPeriod(ctx context.Context, periodID string) (models.ReconciliationPeriod, error) {
	var p models.ReconciliationPeriod
	err := s.db.WithContext(ctx).First(&p, "id = ?", periodID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ReconciliationPeriod{}, ErrNotFound
	}
	return p, err
}

func (s *Gorm) ClosePeriod(ctx context.Context, periodID, closedBy string) (models.ReconciliationPeriod, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.ReconciliationPeriod{}).
		Where("id = ? AND status = ?", periodID, models.PeriodOpen).
		Updates(map[string]interface{}{"status": models.PeriodClosed, "closed_by": closedBy, "closed_at": now})
	if res.Error != nil {
		return models.ReconciliationPeriod{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetPeriod(ctx, periodID); err != nil {
			return models.ReconciliationPeriod{}, err
		}
		return models.ReconciliationPeriod{}, ErrStaleTransition
	}
	return s.GetPeriod(ctx, periodID)
}

func (s *Gorm) CreateDiscrepancy(ctx context.Context, d models.Discrepancy) error {
	return s.db.WithContext(ctx).Create(&d).Error
}

func (s *Gorm) GetDiscrepancy(ctx context.Context, id string) (models.Discrepancy, error) {
	var d models.Discrepancy
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Discrepancy{}, ErrNotFound
	}
	return d, err
}

func (s *Gorm) TransitionDiscrepancy(ctx context.Context, d models.Discrepancy, from models.DiscrepancyStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Discrepancy{}).
		Where("id = ? AND status = ?", d.ID, from).
		Updates(map[string]interface{}{
			"status":         d.Status,
			"approval_notes": d.ApprovalNotes,
			"resolved_by":    d.ResolvedBy,
			"resolved_at":    d.ResolvedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetDiscrepancy(ctx, d.ID); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

func (s *Gorm) ListDiscrepancies(ctx context.Context, periodID string) ([]models.Discrepancy, error) {
	var out []models.Discrepancy
	err := s.db.WithContext(ctx).
		Where("reconciliation_period_id = ?", periodID).
		Order("created_at").
		Find(&out).Error
	return out, err
}
