package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/tutorhub/core/user"
)

type userRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Username     string         `db:"username"`
	Email        string         `db:"email"`
	IsActive     bool           `db:"is_active"`
	Roles        pq.StringArray `db:"roles"`
	PasswordHash []byte         `db:"password_hash"`
	CreatedAt    sql.NullTime   `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
	LastLogin    sql.NullTime   `db:"last_login"`
}

func (r userRow) user() user.User {
	return user.User{
		ID:           r.ID,
		Name:         r.Name,
		Username:     r.Username,
		Email:        r.Email,
		IsActive:     r.IsActive,
		Roles:        r.Roles,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt.Time,
		UpdatedAt:    r.UpdatedAt.Time,
		LastLogin:    r.LastLogin.Time,
	}
}

const userColumns = `id, name, username, email, is_active, roles, password_hash, created_at, updated_at, last_login`

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sql.DB) user.Repository {
	return &userRepository{db: sqlx.NewDb(db, "postgres")}
}

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	exclIDs := make([]string, 0, len(excludedUsers))
	for _, usr := range excludedUsers {
		exclIDs = append(exclIDs, usr.ID)
	}

	q := `SELECT username, email FROM "user" WHERE (username = $1 OR email = $2) AND NOT (id::text = ANY($3))`
	rows, err := repo.db.QueryxContext(ctx, q, username, email, pq.Array(exclIDs))
	if err != nil {
		return errors.Wrap(err, "checking username uniqueness")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var uname, mail string
		if err = rows.Scan(&uname, &mail); err != nil {
			return errors.Wrap(err, "checking username uniqueness")
		}
		if uname == username {
			return user.ErrUsernameExists
		}
		if mail == email {
			return user.ErrEmailExists
		}
	}
	return errors.Wrap(rows.Err(), "checking username uniqueness")
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	q := `INSERT INTO "user" (` + userColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := repo.db.ExecContext(ctx, q,
		usr.ID, usr.Name, usr.Username, usr.Email, usr.IsActive, pq.Array(usr.Roles),
		usr.PasswordHash, usr.CreatedAt, usr.UpdatedAt, nullTime(usr.LastLogin),
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "creating user")
	}
	return usr, nil
}

func (repo *userRepository) QueryAllUsers(ctx context.Context) ([]user.User, error) {
	return repo.queryUsers(ctx, `SELECT `+userColumns+` FROM "user"`)
}

func (repo *userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	return repo.getUser(ctx, `SELECT `+userColumns+` FROM "user" WHERE id::text = $1`, id)
}

func (repo *userRepository) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	return repo.getUser(ctx, `SELECT `+userColumns+` FROM "user" WHERE username = $1`, username)
}

func (repo *userRepository) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return repo.getUser(ctx, `SELECT `+userColumns+` FROM "user" WHERE email = $1`, email)
}

func (repo *userRepository) GetUserByUsernameOrEmail(ctx context.Context, username string) (user.User, error) {
	return repo.getUser(ctx, `SELECT `+userColumns+` FROM "user" WHERE username = $1 OR email = $1`, username)
}

func (repo *userRepository) FilterUsers(ctx context.Context, filter user.QueryFilter) ([]user.User, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		conds = append(conds, fmt.Sprintf("(name ILIKE %[1]s OR username ILIKE %[1]s OR email ILIKE %[1]s)", p))
	}
	if len(filter.Roles) > 0 {
		patterns := make([]string, 0, len(filter.Roles))
		for _, role := range filter.Roles {
			patterns = append(patterns, role+"%")
		}
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(roles) r WHERE r LIKE ANY(%s))", arg(pq.Array(patterns))))
	}
	if filter.IsActive != nil {
		conds = append(conds, "is_active = "+arg(*filter.IsActive))
	}
	if !filter.CreatedFrom.IsZero() {
		conds = append(conds, "created_at >= "+arg(filter.CreatedFrom.UTC()))
	}
	if !filter.CreatedTo.IsZero() {
		conds = append(conds, "created_at <= "+arg(filter.CreatedTo.UTC()))
	}

	q := `SELECT ` + userColumns + ` FROM "user"`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	return repo.queryUsers(ctx, q, args...)
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User, isActive *bool) (user.User, error) {
	// only save set fields
	var (
		sets []string
		args []interface{}
	)
	set := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if usr.Name != "" {
		set("name", usr.Name)
	}
	if usr.Username != "" {
		set("username", usr.Username)
	}
	if usr.Email != "" {
		set("email", usr.Email)
	}
	if usr.Roles != nil {
		set("roles", pq.Array(usr.Roles))
	}
	if usr.PasswordHash != nil {
		set("password_hash", usr.PasswordHash)
	}
	if isActive != nil {
		set("is_active", *isActive)
	}
	if !usr.LastLogin.IsZero() {
		set("last_login", usr.LastLogin)
	}
	set("updated_at", usr.UpdatedAt)

	args = append(args, usr.ID)
	q := fmt.Sprintf(`UPDATE "user" SET %s WHERE id::text = $%d`, strings.Join(sets, ", "), len(args))
	res, err := repo.db.ExecContext(ctx, q, args...)
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return repo.GetUserByID(ctx, usr.ID)
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...string) error {
	_, err := repo.db.ExecContext(ctx, `DELETE FROM "user" WHERE id::text = ANY($1)`, pq.Array(ids))
	return errors.Wrap(err, "deleting users")
}

func (repo *userRepository) getUser(ctx context.Context, q string, args ...interface{}) (user.User, error) {
	var row userRow
	if err := repo.db.GetContext(ctx, &row, q, args...); err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "getting user")
	}
	return row.user(), nil
}

func (repo *userRepository) queryUsers(ctx context.Context, q string, args ...interface{}) ([]user.User, error) {
	var rows []userRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.user())
	}
	return users, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
