// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/utubchat/growth-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrTestNotFound возвращается, если тест не найден.
var (
	ErrTestNotFound = errors.New("test not found")
	// ErrVariantNotFound возвращается, если вариант не найден.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrAssignmentNotFound возвращается, если закрепление для пары (тест, пользователь) отсутствует.
	ErrAssignmentNotFound = errors.New("no assignment found")
	// ErrSourceEventNotFound возвращается, если исходное денежное событие не найдено.
	ErrSourceEventNotFound = errors.New("source event not found")
	// ErrReferralExists возвращается при попытке повторно назначить спонсора пользователю.
	ErrReferralExists = errors.New("user already has a sponsor")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках БД
// (serialization failure, deadlock, обрыв соединения).
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateTest сохраняет тест и его варианты в одной транзакции.
func (r *PostgresRepository) CreateTest(ctx context.Context, test *model.Test, variants []model.Variant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO tests (id, name, status) VALUES ($1, $2, $3)`,
		test.ID, test.Name, string(test.Status),
	)
	if err != nil {
		return fmt.Errorf("insert test: %w", err)
	}

	for _, v := range variants {
		_, err = tx.Exec(ctx,
			`INSERT INTO variants (id, test_id, name, message_title, message_body, cta_text, cta_link, traffic_allocation)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			v.ID, v.TestID, v.Name, v.MessageTitle, v.MessageBody, v.CTAText, v.CTALink, v.TrafficAllocation,
		)
		if err != nil {
			return fmt.Errorf("insert variant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetTest возвращает тест по идентификатору.
func (r *PostgresRepository) GetTest(ctx context.Context, testID string) (*model.Test, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, status, created_at FROM tests WHERE id = $1`,
		testID,
	)

	var t model.Test
	var status string
	err := row.Scan(&t.ID, &t.Name, &status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}
	t.Status = model.TestStatus(status)

	return &t, nil
}

// UpdateTestStatus изменяет статус теста.
func (r *PostgresRepository) UpdateTestStatus(ctx context.Context, testID string, status model.TestStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tests SET status = $2 WHERE id = $1`,
		testID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update test status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTestNotFound
	}
	return nil
}

// HasAssignments сообщает, есть ли у теста хотя бы одно закрепление.
func (r *PostgresRepository) HasAssignments(ctx context.Context, testID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM assignments WHERE test_id = $1)`,
		testID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check assignments: %w", err)
	}
	return exists, nil
}

// GetVariantsByTest возвращает варианты теста, упорядоченные по имени.
// Порядок фиксирован: он используется как детерминированный tie-break при выборе варианта.
func (r *PostgresRepository) GetVariantsByTest(ctx context.Context, testID string) ([]model.Variant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_id, name, message_title, message_body, cta_text, cta_link, traffic_allocation
		 FROM variants
		 WHERE test_id = $1
		 ORDER BY name`,
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("select variants: %w", err)
	}
	defer rows.Close()

	var variants []model.Variant
	for rows.Next() {
		var v model.Variant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.MessageTitle, &v.MessageBody, &v.CTAText, &v.CTALink, &v.TrafficAllocation); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return variants, nil
}

// GetVariant возвращает вариант по идентификатору.
func (r *PostgresRepository) GetVariant(ctx context.Context, variantID string) (*model.Variant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, test_id, name, message_title, message_body, cta_text, cta_link, traffic_allocation
		 FROM variants WHERE id = $1`,
		variantID,
	)

	var v model.Variant
	err := row.Scan(&v.ID, &v.TestID, &v.Name, &v.MessageTitle, &v.MessageBody, &v.CTAText, &v.CTALink, &v.TrafficAllocation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVariantNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return &v, nil
}

// GetAssignment возвращает закрепление варианта для пары (тест, пользователь).
func (r *PostgresRepository) GetAssignment(ctx context.Context, testID, userID string) (*model.Assignment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT test_id, user_id, variant_id, created_at
		 FROM assignments
		 WHERE test_id = $1 AND user_id = $2`,
		testID, userID,
	)

	var a model.Assignment
	err := row.Scan(&a.TestID, &a.UserID, &a.VariantID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	return &a, nil
}

// CreateAssignment сохраняет закрепление варианта и возвращает признак того,
// что вставка произошла. При конкурентной вставке для той же пары побеждает
// одна запись за счёт ограничения уникальности; проигравший вызов получает false.
func (r *PostgresRepository) CreateAssignment(ctx context.Context, a *model.Assignment) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func() error {
		cmdTag, execErr := r.pool.Exec(ctx,
			`INSERT INTO assignments (test_id, user_id, variant_id) VALUES ($1, $2, $3)
			 ON CONFLICT (test_id, user_id) DO NOTHING`,
			a.TestID, a.UserID, a.VariantID,
		)
		if execErr != nil {
			return fmt.Errorf("insert assignment: %w", execErr)
		}
		inserted = cmdTag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// CreateMetric создаёт начальную запись метрик для закрепления.
func (r *PostgresRepository) CreateMetric(ctx context.Context, testID, variantID, userID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO metrics (test_id, variant_id, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT (test_id, variant_id, user_id) DO NOTHING`,
		testID, variantID, userID,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// MarkEvent монотонно выставляет флаг события на записи метрик.
// Повторная установка не меняет уже выставленные флаги и их временные метки.
// Если запись метрик отсутствует (её создание best-effort), она досоздаётся.
func (r *PostgresRepository) MarkEvent(ctx context.Context, testID, variantID, userID string, event model.EventType) error {
	var flagCol, tsCol string
	switch event {
	case model.EventViewed:
		flagCol, tsCol = "viewed", "viewed_at"
	case model.EventClicked:
		flagCol, tsCol = "clicked", "clicked_at"
	case model.EventConverted:
		flagCol, tsCol = "converted", "converted_at"
	default:
		return fmt.Errorf("unknown event type: %s", event)
	}

	// Имена колонок берутся только из switch выше, подстановка безопасна.
	query := fmt.Sprintf(
		`INSERT INTO metrics (test_id, variant_id, user_id, %[1]s, %[2]s)
		 VALUES ($1, $2, $3, TRUE, now())
		 ON CONFLICT (test_id, variant_id, user_id) DO UPDATE
		 SET %[1]s = TRUE, %[2]s = COALESCE(metrics.%[2]s, now())`,
		flagCol, tsCol,
	)

	if _, err := r.pool.Exec(ctx, query, testID, variantID, userID); err != nil {
		return fmt.Errorf("mark event: %w", err)
	}
	return nil
}

// GetTestResults возвращает агрегированные метрики по каждому варианту теста.
func (r *PostgresRepository) GetTestResults(ctx context.Context, testID string) ([]model.VariantResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT v.id, v.name,
		        COUNT(a.user_id),
		        COUNT(*) FILTER (WHERE m.viewed),
		        COUNT(*) FILTER (WHERE m.clicked),
		        COUNT(*) FILTER (WHERE m.converted)
		 FROM variants v
		 LEFT JOIN assignments a ON a.variant_id = v.id
		 LEFT JOIN metrics m ON m.variant_id = v.id AND m.user_id = a.user_id
		 WHERE v.test_id = $1
		 GROUP BY v.id, v.name
		 ORDER BY v.name`,
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("select test results: %w", err)
	}
	defer rows.Close()

	var res []model.VariantResult
	for rows.Next() {
		var vr model.VariantResult
		if err := rows.Scan(&vr.VariantID, &vr.VariantName, &vr.Assigned, &vr.Viewed, &vr.Clicked, &vr.Converted); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if vr.Assigned > 0 {
			vr.ConvRate = float64(vr.Converted) / float64(vr.Assigned)
		}
		res = append(res, vr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateReferral назначает пользователю спонсора. У пользователя может быть
// не более одного спонсора — повторное назначение отклоняется.
func (r *PostgresRepository) CreateReferral(ctx context.Context, userID, sponsorID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO referrals (user_id, sponsor_id) VALUES ($1, $2)`,
		userID, sponsorID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrReferralExists, userID)
		}
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

// GetAffiliateChain возвращает цепочку спонсоров пользователя снизу вверх,
// уровни 1..maxLevel. Пустая цепочка — не ошибка.
func (r *PostgresRepository) GetAffiliateChain(ctx context.Context, userID string, maxLevel int) ([]model.AffiliateLink, error) {
	rows, err := r.pool.Query(ctx,
		`WITH RECURSIVE chain AS (
		     SELECT sponsor_id, 1 AS level
		     FROM referrals
		     WHERE user_id = $1
		   UNION ALL
		     SELECT r.sponsor_id, c.level + 1
		     FROM referrals r
		     JOIN chain c ON r.user_id = c.sponsor_id
		     WHERE c.level < $2
		 )
		 SELECT sponsor_id, level FROM chain ORDER BY level`,
		userID, maxLevel,
	)
	if err != nil {
		return nil, fmt.Errorf("select affiliate chain: %w", err)
	}
	defer rows.Close()

	var chain []model.AffiliateLink
	for rows.Next() {
		var l model.AffiliateLink
		if err := rows.Scan(&l.AffiliateID, &l.Level); err != nil {
			return nil, fmt.Errorf("scan chain link: %w", err)
		}
		chain = append(chain, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return chain, nil
}

// GetWalletBalance возвращает баланс кошелька пользователя в монетах.
// Отсутствие кошелька трактуется как нулевой баланс.
func (r *PostgresRepository) GetWalletBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get wallet balance: %w", err)
	}
	return balance, nil
}

// CreateSourceEvent сохраняет исходное денежное событие.
func (r *PostgresRepository) CreateSourceEvent(ctx context.Context, ev *model.SourceEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO source_events (id, source_type, user_id, amount) VALUES ($1, $2, $3, $4)`,
		ev.ID, string(ev.Type), ev.UserID, ev.Amount,
	)
	if err != nil {
		return fmt.Errorf("insert source event: %w", err)
	}
	return nil
}

// GetSourceEvent возвращает исходное денежное событие указанного типа.
func (r *PostgresRepository) GetSourceEvent(ctx context.Context, sourceType model.SourceType, id string) (*model.SourceEvent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, source_type, user_id, amount, created_at
		 FROM source_events
		 WHERE id = $1 AND source_type = $2`,
		id, string(sourceType),
	)

	var ev model.SourceEvent
	var st string
	err := row.Scan(&ev.ID, &st, &ev.UserID, &ev.Amount, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceEventNotFound
		}
		return nil, fmt.Errorf("get source event: %w", err)
	}
	ev.Type = model.SourceType(st)

	return &ev, nil
}

// PayCommission атомарно начисляет одну комиссию: вставляет запись со статусом
// pending, зачисляет сумму на кошелёк партнёра атомарным инкрементом и помечает
// комиссию как paid — всё в одной транзакции. Повторный вызов для той же
// комбинации (событие, партнёр, уровень) не делает ничего и возвращает false:
// ограничение уникальности защищает от двойного зачисления при ретраях.
func (r *PostgresRepository) PayCommission(ctx context.Context, c *model.Commission) (bool, error) {
	var paid bool
	err := r.withRetry(ctx, func() error {
		paid = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO commissions (id, source_type, source_id, affiliate_id, level, amount, rate_bp, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (source_type, source_id, affiliate_id, level) DO NOTHING`,
			c.ID, string(c.SourceType), c.SourceID, c.AffiliateID, c.Level, c.Amount, c.RateBP, string(model.CommissionStatusPending),
		)
		if err != nil {
			return fmt.Errorf("insert commission: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			// Уже выплачено предыдущим запуском распределения.
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance`,
			c.AffiliateID, c.Amount,
		)
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE commissions SET status = $2 WHERE id = $1`,
			c.ID, string(model.CommissionStatusPaid),
		)
		if err != nil {
			return fmt.Errorf("mark commission paid: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		paid = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return paid, nil
}

// GetCommissionsBySource возвращает комиссии, начисленные с одного события,
// упорядоченные по уровню.
func (r *PostgresRepository) GetCommissionsBySource(ctx context.Context, sourceType model.SourceType, sourceID string) ([]model.Commission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, source_type, source_id, affiliate_id, level, amount, rate_bp, status, created_at
		 FROM commissions
		 WHERE source_type = $1 AND source_id = $2
		 ORDER BY level`,
		string(sourceType), sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select commissions: %w", err)
	}
	defer rows.Close()

	var res []model.Commission
	for rows.Next() {
		var c model.Commission
		var st, status string
		if err := rows.Scan(&c.ID, &st, &c.SourceID, &c.AffiliateID, &c.Level, &c.Amount, &c.RateBP, &status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		c.SourceType = model.SourceType(st)
		c.Status = model.CommissionStatus(status)
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DistributionCompleted сообщает, завершалось ли уже распределение комиссий
// для указанного события.
func (r *PostgresRepository) DistributionCompleted(ctx context.Context, sourceType model.SourceType, sourceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM commission_runs WHERE source_type = $1 AND source_id = $2)`,
		string(sourceType), sourceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check distribution run: %w", err)
	}
	return exists, nil
}

// MarkDistributionCompleted фиксирует завершение распределения комиссий для события.
func (r *PostgresRepository) MarkDistributionCompleted(ctx context.Context, sourceType model.SourceType, sourceID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO commission_runs (source_type, source_id) VALUES ($1, $2)
		 ON CONFLICT (source_type, source_id) DO NOTHING`,
		string(sourceType), sourceID,
	)
	if err != nil {
		return fmt.Errorf("mark distribution run: %w", err)
	}
	return nil
}
