package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"skyportal/api/internal/rbac"
)

var ErrConflict = errors.New("conflict")

// Tx is the per-request unit of work. Every comment write and the
// notifications it produces go through one Tx so they commit or roll back
// together.
type Tx interface {
	GetObj(ctx context.Context, objID string) (Obj, error)
	GetCommentIfAccessible(ctx context.Context, commentID string, user User, mode rbac.Mode) (Comment, error)
	ListCommentsForObj(ctx context.Context, objID string, user User) ([]Comment, error)
	AccessibleGroups(ctx context.Context, user User) ([]Group, error)
	GroupsIfAccessible(ctx context.Context, groupIDs []string, user User) ([]Group, error)
	UsersByUsernames(ctx context.Context, usernames []string) ([]User, error)
	InsertComment(ctx context.Context, comment Comment) error
	UpdateComment(ctx context.Context, comment Comment) error
	SetCommentGroups(ctx context.Context, commentID string, groupIDs []string) error
	DeleteComment(ctx context.Context, commentID string) error
	InsertNotifications(ctx context.Context, notifications []UserNotification) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error or panics and committed otherwise.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, role FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Username, &user.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, role) VALUES ($1, $2, $3)`,
		user.ID, user.Username, string(rbac.Normalize(user.Role)))
	if isUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", user.Username, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetObj(ctx context.Context, objID string) (Obj, error) {
	var obj Obj
	err := t.tx.QueryRowContext(ctx, `SELECT id, internal_key FROM objs WHERE id=$1`, objID).
		Scan(&obj.ID, &obj.InternalKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Obj{}, ErrNotFound
	}
	if err != nil {
		return Obj{}, fmt.Errorf("get obj: %w", err)
	}
	return obj, nil
}

const commentColumns = `
	c.id, c.text, c.obj_id, c.author_id, u.username,
	c.attachment_name, c.attachment_bytes, c.attachment_key,
	c.created_at, c.modified
`

// readableBy restricts to comments shared with at least one of the user's
// groups. $2 is the user id and $3 the admin bypass.
const readableBy = `
	($3 OR EXISTS (
		SELECT 1 FROM group_comments gc
		JOIN group_users gu ON gu.group_id = gc.group_id
		WHERE gc.comment_id = c.id AND gu.user_id = $2
	))
`

// GetCommentIfAccessible returns ErrNotFound both for a missing comment and
// for one the user may not access in the requested mode.
func (t *postgresTx) GetCommentIfAccessible(ctx context.Context, commentID string, user User, mode rbac.Mode) (Comment, error) {
	if !mode.Valid() {
		return Comment{}, fmt.Errorf("invalid access mode %q", mode)
	}
	isAdmin := rbac.Can(rbac.Normalize(user.Role), rbac.ActionAdmin)
	query, ownerBypass := commentAccessQuery(mode, isAdmin)

	comment, err := scanComment(t.tx.QueryRowContext(ctx, query, commentID, user.ID, isAdmin, ownerBypass))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}

	groups, err := t.commentGroups(ctx, comment.ID)
	if err != nil {
		return Comment{}, err
	}
	comment.Groups = groups
	return comment, nil
}

// commentAccessQuery builds the lookup for GetCommentIfAccessible. The query
// takes $1 comment id, $2 user id, $3 admin flag and $4 the returned
// ownerBypass flag. Mutating modes lock the comment row and, unless the caller
// is an admin, restrict the match to the author.
func commentAccessQuery(mode rbac.Mode, isAdmin bool) (string, bool) {
	query := `SELECT ` + commentColumns + `
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.id = $1 AND ` + readableBy + ` AND ($4 OR c.author_id = $2)`
	if mode.Mutates() {
		query += ` FOR UPDATE OF c`
	}
	return query, isAdmin || !mode.Mutates()
}

func (t *postgresTx) ListCommentsForObj(ctx context.Context, objID string, user User) ([]Comment, error) {
	isAdmin := rbac.Can(rbac.Normalize(user.Role), rbac.ActionAdmin)
	rows, err := t.tx.QueryContext(ctx, `SELECT `+commentColumns+`
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.obj_id = $1 AND `+readableBy+`
		ORDER BY c.created_at ASC, c.id ASC`, objID, user.ID, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	for i := range comments {
		groups, err := t.commentGroups(ctx, comments[i].ID)
		if err != nil {
			return nil, err
		}
		comments[i].Groups = groups
	}
	return comments, nil
}

func (t *postgresTx) commentGroups(ctx context.Context, commentID string) ([]Group, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT g.id, g.name
		FROM groups g
		JOIN group_comments gc ON gc.group_id = g.id
		WHERE gc.comment_id = $1
		ORDER BY g.name ASC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list comment groups: %w", err)
	}
	return scanGroups(rows)
}

func (t *postgresTx) AccessibleGroups(ctx context.Context, user User) ([]Group, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if rbac.Can(rbac.Normalize(user.Role), rbac.ActionAdmin) {
		rows, err = t.tx.QueryContext(ctx, `SELECT id, name FROM groups ORDER BY name ASC`)
	} else {
		rows, err = t.tx.QueryContext(ctx, `
			SELECT g.id, g.name
			FROM groups g
			JOIN group_users gu ON gu.group_id = g.id
			WHERE gu.user_id = $1
			ORDER BY g.name ASC
		`, user.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("list accessible groups: %w", err)
	}
	return scanGroups(rows)
}

// GroupsIfAccessible returns the subset of groupIDs the user is a member of,
// or every existing one for admins. Callers compare the result against the
// request to detect inaccessible ids.
func (t *postgresTx) GroupsIfAccessible(ctx context.Context, groupIDs []string, user User) ([]Group, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	isAdmin := rbac.Can(rbac.Normalize(user.Role), rbac.ActionAdmin)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT g.id, g.name
		FROM groups g
		WHERE g.id = ANY($1)
			AND ($3 OR EXISTS (
				SELECT 1 FROM group_users gu WHERE gu.group_id = g.id AND gu.user_id = $2
			))
		ORDER BY g.name ASC
	`, groupIDs, user.ID, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("resolve groups: %w", err)
	}
	return scanGroups(rows)
}

func (t *postgresTx) UsersByUsernames(ctx context.Context, usernames []string) ([]User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, username, role FROM users WHERE username = ANY($1) ORDER BY username ASC
	`, usernames)
	if err != nil {
		return nil, fmt.Errorf("query users by username: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.Role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (t *postgresTx) InsertComment(ctx context.Context, comment Comment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO comments (id, text, obj_id, author_id, attachment_name, attachment_bytes, attachment_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, comment.ID, comment.Text, comment.ObjID, comment.AuthorID,
		comment.AttachmentName, comment.AttachmentBytes, comment.AttachmentKey)
	if err != nil {
		return fmt.Errorf("insert comment: %w", mapPgError(err))
	}
	return t.SetCommentGroups(ctx, comment.ID, comment.GroupIDs())
}

func (t *postgresTx) UpdateComment(ctx context.Context, comment Comment) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE comments
		SET text=$2, attachment_name=$3, attachment_bytes=$4, attachment_key=$5, modified=NOW()
		WHERE id=$1
	`, comment.ID, comment.Text, comment.AttachmentName, comment.AttachmentBytes, comment.AttachmentKey)
	if err != nil {
		return fmt.Errorf("update comment: %w", mapPgError(err))
	}
	return requireAffected(result, "update comment")
}

// SetCommentGroups replaces the visibility set of a comment.
func (t *postgresTx) SetCommentGroups(ctx context.Context, commentID string, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return fmt.Errorf("set comment groups: empty visibility set")
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM group_comments WHERE comment_id=$1`, commentID); err != nil {
		return fmt.Errorf("clear comment groups: %w", err)
	}
	placeholders := make([]string, 0, len(groupIDs))
	args := make([]any, 0, len(groupIDs)+1)
	args = append(args, commentID)
	for i, groupID := range groupIDs {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $1)", i+2))
		args = append(args, groupID)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO group_comments (group_id, comment_id) VALUES `+strings.Join(placeholders, ", ")+
			` ON CONFLICT DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert comment groups: %w", mapPgError(err))
	}
	return nil
}

func (t *postgresTx) DeleteComment(ctx context.Context, commentID string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return requireAffected(result, "delete comment")
}

func (t *postgresTx) InsertNotifications(ctx context.Context, notifications []UserNotification) error {
	for _, item := range notifications {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO user_notifications (id, user_id, text, url)
			VALUES ($1, $2, $3, $4)
		`, item.ID, item.UserID, item.Text, item.URL)
		if err != nil {
			return fmt.Errorf("insert notification: %w", mapPgError(err))
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var (
		comment        Comment
		attachmentName sql.NullString
		attachmentKey  sql.NullString
	)
	err := row.Scan(
		&comment.ID,
		&comment.Text,
		&comment.ObjID,
		&comment.AuthorID,
		&comment.AuthorUsername,
		&attachmentName,
		&comment.AttachmentBytes,
		&attachmentKey,
		&comment.CreatedAt,
		&comment.Modified,
	)
	if err != nil {
		return Comment{}, err
	}
	if attachmentName.Valid {
		comment.AttachmentName = &attachmentName.String
	}
	if attachmentKey.Valid {
		comment.AttachmentKey = &attachmentKey.String
	}
	return comment, nil
}

func scanGroups(rows *sql.Rows) ([]Group, error) {
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
