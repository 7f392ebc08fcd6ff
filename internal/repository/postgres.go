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

	"github.com/avoronkov/smmpanel-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
)

// OrderDraft содержит данные нового заказа для атомарного создания со списанием.
type OrderDraft struct {
	UserID         int64
	Category       string
	ServiceID      string
	ServiceName    string
	Link           string
	Quantity       int64
	RatePer1kCents int64
	ChargeCents    int64
}

// OrderFilter задаёт условия выборки заказов пользователя.
type OrderFilter struct {
	// Status фильтрует по точному статусу; пустая строка и "all" — без фильтра.
	Status string
	// Search ищет подстроку без учёта регистра в названии услуги,
	// ссылке и идентификаторе заказа у провайдера.
	Search string
}

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
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

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, role,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, balance, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.BalanceCents, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetBalance возвращает текущий баланс пользователя в центах.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// CreateOrderWithDebit атомарно списывает стоимость заказа с кошелька и
// создаёт заказ в состоянии pending/paid. Либо происходит и то и другое,
// либо ничего. Условное обновление баланса с проверкой balance >= charge
// исключает гонку параллельных списаний без явной блокировки строки.
func (r *PostgresRepository) CreateOrderWithDebit(ctx context.Context, draft OrderDraft) (*model.Order, int64, error) {
	var order *model.Order
	var newBalance int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`UPDATE users SET balance = balance - $2
			 WHERE id = $1 AND balance >= $2
			 RETURNING balance`,
			draft.UserID, draft.ChargeCents,
		).Scan(&newBalance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Различаем отсутствие пользователя и нехватку средств.
				var exists bool
				if checkErr := tx.QueryRow(ctx,
					`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`,
					draft.UserID,
				).Scan(&exists); checkErr != nil {
					return fmt.Errorf("check user: %w", checkErr)
				}
				if !exists {
					return ErrUserNotFound
				}
				return ErrInsufficientBalance
			}
			return fmt.Errorf("debit balance: %w", err)
		}

		o := model.Order{
			UserID:         draft.UserID,
			Category:       draft.Category,
			ServiceID:      draft.ServiceID,
			ServiceName:    draft.ServiceName,
			Link:           draft.Link,
			Quantity:       draft.Quantity,
			RatePer1kCents: draft.RatePer1kCents,
			ChargeCents:    draft.ChargeCents,
			Status:         model.OrderStatusPending,
			PaymentStatus:  model.PaymentStatusPaid,
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (user_id, category, service_id, service_name, link, quantity, rate_per_1k, charge, status, payment_status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id, created_at, updated_at`,
			o.UserID, o.Category, o.ServiceID, o.ServiceName, o.Link, o.Quantity,
			o.RatePer1kCents, o.ChargeCents, string(o.Status), string(o.PaymentStatus),
		).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		order = &o
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return order, newBalance, nil
}

// MarkOrderProcessing условно переводит заказ из pending в processing,
// сохраняя идентификатор заказа у провайдера и сырой ответ. Если заказ уже
// не в pending, обновление не применяется и возвращается текущее состояние:
// повтор перехода безопасен.
func (r *PostgresRepository) MarkOrderProcessing(ctx context.Context, orderID int64, providerOrderID string, raw []byte) (*model.Order, error) {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $2, provider_order_id = $3, raw_provider_response = $4, updated_at = now()
			 WHERE id = $1 AND status = $5`,
			orderID, string(model.OrderStatusProcessing), providerOrderID, raw, string(model.OrderStatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark order processing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.GetOrderByID(ctx, orderID)
}

// RefundOrder выполняет компенсационную транзакцию: условно переводит заказ
// из pending в failed/refunded и возвращает стоимость на кошелёк. Возврат
// средств происходит только если переход статуса применился, поэтому повтор
// компенсации по уже обработанному заказу — no-op без изменения баланса.
func (r *PostgresRepository) RefundOrder(ctx context.Context, orderID, userID, chargeCents int64, reason string, raw []byte) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE orders
			 SET status = $2, payment_status = $3, failure_reason = $4, raw_provider_response = $5, updated_at = now()
			 WHERE id = $1 AND status = $6`,
			orderID, string(model.OrderStatusFailed), string(model.PaymentStatusRefunded),
			reason, raw, string(model.OrderStatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark order failed: %w", err)
		}

		if tag.RowsAffected() == 0 {
			// Заказ уже переведён из pending — компенсация не нужна.
			return tx.Commit(ctx)
		}

		creditTag, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2 WHERE id = $1`,
			userID, chargeCents,
		)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		if creditTag.RowsAffected() == 0 {
			return fmt.Errorf("credit balance: %w", ErrUserNotFound)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetOrderByID возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, category, service_id, service_name, link, quantity, rate_per_1k, charge,
		        status, payment_status, provider_order_id, failure_reason, raw_provider_response,
		        created_at, updated_at
		 FROM orders WHERE id = $1`,
		orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми,
// с фильтром по статусу и поиском по подстроке.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64, filter OrderFilter) ([]model.Order, error) {
	query := `SELECT id, user_id, category, service_id, service_name, link, quantity, rate_per_1k, charge,
	                 status, payment_status, provider_order_id, failure_reason, raw_provider_response,
	                 created_at, updated_at
	          FROM orders WHERE user_id = $1`
	args := []any{userID}

	if filter.Status != "" && filter.Status != "all" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		n := len(args)
		query += fmt.Sprintf(" AND (service_name ILIKE $%d OR link ILIKE $%d OR provider_order_id ILIKE $%d)", n, n, n)
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// escapeLike экранирует метасимволы LIKE, чтобы поиск по "50%" не
// превращался в поиск по префиксу "50".
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		status        string
		paymentStatus string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Category, &o.ServiceID, &o.ServiceName, &o.Link,
		&o.Quantity, &o.RatePer1kCents, &o.ChargeCents,
		&status, &paymentStatus, &o.ProviderOrderID, &o.FailureReason, &o.RawProviderResponse,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	return &o, nil
}
