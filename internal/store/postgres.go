package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/braidhq/braid/pkg/models"
)

// NewPostgresStores creates postgres-backed stores using a DSN.
func NewPostgresStores(dsn string, config *PostgresConfig) (Set, error) {
	if strings.TrimSpace(dsn) == "" {
		return Set{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Set{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return Set{}, fmt.Errorf("ping database: %w", err)
	}

	stores := Set{
		Users:         &pgUserStore{db: db},
		Conversations: &pgConversationStore{db: db},
		Agents:        &pgAgentStore{db: db},
		Executions:    &pgExecutionStore{db: db},
		Approvals:     &pgApprovalStore{db: db},
		Costs:         &pgCostStore{db: db},
		Memories:      &pgMemoryStore{db: db},
		closer:        db.Close,
	}
	return stores, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type pgUserStore struct {
	db *sql.DB
}

func (s *pgUserStore) FindOrCreate(ctx context.Context, email, name string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	user, err := s.getByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return s.refreshName(ctx, user, name)
	}

	user = &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.insert(ctx, user); err != nil {
		// Another request may have created the user between our lookup and
		// insert. Retry the lookup to find the concurrently-created user.
		if isDuplicate(err) {
			existing, retryErr := s.getByEmail(ctx, email)
			if retryErr != nil {
				return nil, retryErr
			}
			if existing != nil {
				return s.refreshName(ctx, existing, name)
			}
			return nil, fmt.Errorf("user conflict but not found on retry: %w", err)
		}
		return nil, err
	}
	return user, nil
}

func (s *pgUserStore) refreshName(ctx context.Context, user *models.User, name string) (*models.User, error) {
	if name == "" || user.Name == name {
		return user, nil
	}
	user.Name = name
	user.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = $1, updated_at = $2 WHERE id = $3`,
		user.Name, user.UpdatedAt, user.ID)
	if err != nil {
		return nil, fmt.Errorf("update user name: %w", err)
	}
	return user, nil
}

func (s *pgUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, custom_instructions, timezone, integrations, created_at, updated_at
		 FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *pgUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := s.getByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// getByEmail returns (nil, nil) when no user has the email.
func (s *pgUserStore) getByEmail(ctx context.Context, email string) (*models.User, error) {
	if email == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, custom_instructions, timezone, integrations, created_at, updated_at
		 FROM users WHERE lower(email) = lower($1)`, email)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *pgUserStore) insert(ctx context.Context, user *models.User) error {
	integrations, err := marshalMap(user.Integrations)
	if err != nil {
		return fmt.Errorf("marshal user integrations: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, custom_instructions, timezone, integrations, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		user.ID,
		user.Email,
		user.Name,
		user.CustomInstructions,
		user.Timezone,
		integrations,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *pgUserStore) Update(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user is required")
	}
	integrations, err := marshalMap(user.Integrations)
	if err != nil {
		return fmt.Errorf("marshal user integrations: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users
		 SET email = $1, name = $2, custom_instructions = $3, timezone = $4, integrations = $5, updated_at = $6
		 WHERE id = $7`,
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.Name,
		user.CustomInstructions,
		user.Timezone,
		integrations,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(scanner rowScanner) (*models.User, error) {
	var (
		user         models.User
		integrations []byte
	)
	if err := scanner.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.CustomInstructions,
		&user.Timezone,
		&integrations,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(integrations) > 0 {
		if err := json.Unmarshal(integrations, &user.Integrations); err != nil {
			return nil, fmt.Errorf("unmarshal user integrations: %w", err)
		}
	}
	return &user, nil
}

type pgConversationStore struct {
	db *sql.DB
}

const conversationColumns = `id, user_id, title, model, is_planning, is_agent, created_at, updated_at`

func (s *pgConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.Model,
		conv.IsPlanning,
		conv.IsAgent,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *pgConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *pgConversationStore) GetOwned(ctx context.Context, id, userID string) (*models.Conversation, error) {
	if id == "" || userID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	conv, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *pgConversationStore) GetOrCreatePlanner(ctx context.Context, userID, model string) (*models.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	conv, err := s.getPlanner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv = &models.Conversation{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      "Planner",
		Model:      model,
		IsPlanning: true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.Create(ctx, conv); err != nil {
		// A concurrent request may have created the planner first.
		if err == ErrAlreadyExists || isDuplicate(err) {
			existing, retryErr := s.getPlanner(ctx, userID)
			if retryErr != nil {
				return nil, retryErr
			}
			if existing != nil {
				return existing, nil
			}
			return nil, fmt.Errorf("planner conflict but not found on retry: %w", err)
		}
		return nil, err
	}
	return conv, nil
}

// getPlanner returns (nil, nil) when the user has no planner conversation.
func (s *pgConversationStore) getPlanner(ctx context.Context, userID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = $1 AND is_planning ORDER BY created_at LIMIT 1`, userID)
	conv, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get planner conversation: %w", err)
	}
	return conv, nil
}

func (s *pgConversationStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, int, error) {
	args := []any{}
	hasUserFilter := userID != ""
	if hasUserFilter {
		args = append(args, userID)
	}

	countQuery := "SELECT count(*) FROM conversations"
	if hasUserFilter {
		countQuery = "SELECT count(*) FROM conversations WHERE user_id = $1"
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	argsList := append([]any{}, args...)
	limitClause := ""
	if limit > 0 {
		argsList = append(argsList, limit)
		limitClause = fmt.Sprintf(" LIMIT $%d", len(argsList))
	}
	if offset > 0 {
		argsList = append(argsList, offset)
		limitClause += fmt.Sprintf(" OFFSET $%d", len(argsList))
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`SELECT ` + conversationColumns + ` FROM conversations`)
	if hasUserFilter {
		queryBuilder.WriteString(" WHERE user_id = $1")
	}
	queryBuilder.WriteString(" ORDER BY updated_at DESC")
	queryBuilder.WriteString(limitClause)

	rows, err := s.db.QueryContext(ctx, queryBuilder.String(), argsList...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []*models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	return convs, total, nil
}

func (s *pgConversationStore) SetTitle(ctx context.Context, id, title string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set conversation title rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgConversationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, role, content, files, sources, generated_images, language, tool_calls, tool_results, metadata, created_at`

func (s *pgConversationStore) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("bump conversation updated_at: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump conversation rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add message: %w", err)
	}
	return nil
}

func (s *pgConversationStore) Messages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = $1`, conversationID).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("check conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *pgConversationStore) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID)
	msg, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get last message: %w", err)
	}
	return msg, nil
}

func (s *pgConversationStore) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *pgConversationStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message is required")
	}
	files, sources, images, toolCalls, toolResults, metadata, err := marshalMessageColumns(msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET role = $1, content = $2, files = $3, sources = $4, generated_images = $5,
		     language = $6, tool_calls = $7, tool_results = $8, metadata = $9
		 WHERE id = $10`,
		string(msg.Role),
		msg.Content,
		files,
		sources,
		images,
		msg.Language,
		toolCalls,
		toolResults,
		metadata,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgConversationStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = $1 WHERE id = $2`, content, id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message content rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgConversationStore) DeleteMessage(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgConversationStore) ClearMessages(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("bump conversation updated_at: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump conversation rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear messages: %w", err)
	}
	return nil
}

func (s *pgConversationStore) CompactMessages(ctx context.Context, conversationID string, removeIDs []string, summary *models.Message) error {
	if summary == nil || summary.ID == "" {
		return fmt.Errorf("summary message is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compact messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1`, conversationID).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("check conversation: %w", err)
	}

	if len(removeIDs) > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = $1 AND id = ANY($2)`,
			conversationID, pq.Array(removeIDs))
		if err != nil {
			return fmt.Errorf("delete compacted messages: %w", err)
		}
	}

	stored := *summary
	stored.ConversationID = conversationID
	if err := insertMessage(ctx, tx, &stored); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compact messages: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, ex execContexter, msg *models.Message) error {
	files, sources, images, toolCalls, toolResults, metadata, err := marshalMessageColumns(msg)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		files,
		sources,
		images,
		msg.Language,
		toolCalls,
		toolResults,
		metadata,
		msg.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func marshalMessageColumns(msg *models.Message) (files, sources, images, toolCalls, toolResults, metadata []byte, err error) {
	if files, err = marshalSlice(msg.Files); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal message files: %w", err)
	}
	if sources, err = marshalSlice(msg.Sources); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal message sources: %w", err)
	}
	if images, err = marshalSlice(msg.GeneratedImages); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal message generated images: %w", err)
	}
	if toolCalls, err = marshalSlice(msg.ToolCalls); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal message tool calls: %w", err)
	}
	if toolResults, err = marshalSlice(msg.ToolResults); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal message tool results: %w", err)
	}
	if metadata, err = marshalMap(msg.Metadata); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal message metadata: %w", err)
	}
	return files, sources, images, toolCalls, toolResults, metadata, nil
}

func scanMessage(scanner rowScanner) (*models.Message, error) {
	var (
		msg         models.Message
		role        string
		files       []byte
		sources     []byte
		images      []byte
		toolCalls   []byte
		toolResults []byte
		metadata    []byte
	)
	if err := scanner.Scan(
		&msg.ID,
		&msg.ConversationID,
		&role,
		&msg.Content,
		&files,
		&sources,
		&images,
		&msg.Language,
		&toolCalls,
		&toolResults,
		&metadata,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if len(files) > 0 {
		if err := json.Unmarshal(files, &msg.Files); err != nil {
			return nil, fmt.Errorf("unmarshal message files: %w", err)
		}
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &msg.Sources); err != nil {
			return nil, fmt.Errorf("unmarshal message sources: %w", err)
		}
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &msg.GeneratedImages); err != nil {
			return nil, fmt.Errorf("unmarshal message generated images: %w", err)
		}
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal message tool calls: %w", err)
		}
	}
	if len(toolResults) > 0 {
		if err := json.Unmarshal(toolResults, &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("unmarshal message tool results: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}

func scanConversation(scanner rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	if err := scanner.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.Model,
		&conv.IsPlanning,
		&conv.IsAgent,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}

type pgAgentStore struct {
	db *sql.DB
}

const agentColumns = `id, user_id, name, description, system_prompt, schedule, timezone, model, enabled, tool_permissions, budget_limit_usd, conversation_id, next_run_at, last_run_at, created_at, updated_at`

func (s *pgAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	var budget sql.NullFloat64
	if agent.BudgetLimitUSD != nil {
		budget = sql.NullFloat64{Float64: *agent.BudgetLimitUSD, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		agent.ID,
		agent.UserID,
		agent.Name,
		agent.Description,
		agent.SystemPrompt,
		agent.Schedule,
		agent.Timezone,
		agent.Model,
		agent.Enabled,
		pq.Array(agent.ToolPermissions),
		budget,
		agent.ConversationID,
		nullTime(agent.NextRunAt),
		nullTime(agent.LastRunAt),
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *pgAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return agentFromRow(row, "get agent")
}

func (s *pgAgentStore) GetOwned(ctx context.Context, id, userID string) (*models.Agent, error) {
	if id == "" || userID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND user_id = $2`, id, userID)
	return agentFromRow(row, "get agent")
}

func (s *pgAgentStore) GetByName(ctx context.Context, userID, name string) (*models.Agent, error) {
	if userID == "" || name == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = $1 AND name = $2`, userID, name)
	return agentFromRow(row, "get agent by name")
}

func agentFromRow(row *sql.Row, op string) (*models.Agent, error) {
	agent, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return agent, nil
}

func (s *pgAgentStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error) {
	args := []any{}
	hasUserFilter := userID != ""
	if hasUserFilter {
		args = append(args, userID)
	}

	countQuery := "SELECT count(*) FROM agents"
	if hasUserFilter {
		countQuery = "SELECT count(*) FROM agents WHERE user_id = $1"
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}

	argsList := append([]any{}, args...)
	limitClause := ""
	if limit > 0 {
		argsList = append(argsList, limit)
		limitClause = fmt.Sprintf(" LIMIT $%d", len(argsList))
	}
	if offset > 0 {
		argsList = append(argsList, offset)
		limitClause += fmt.Sprintf(" OFFSET $%d", len(argsList))
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`SELECT ` + agentColumns + ` FROM agents`)
	if hasUserFilter {
		queryBuilder.WriteString(" WHERE user_id = $1")
	}
	queryBuilder.WriteString(" ORDER BY created_at DESC")
	queryBuilder.WriteString(limitClause)

	rows, err := s.db.QueryContext(ctx, queryBuilder.String(), argsList...)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	return agents, total, nil
}

func (s *pgAgentStore) ListDue(ctx context.Context, now time.Time) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list due agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due agents: %w", err)
	}
	return agents, nil
}

func (s *pgAgentStore) Update(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	var budget sql.NullFloat64
	if agent.BudgetLimitUSD != nil {
		budget = sql.NullFloat64{Float64: *agent.BudgetLimitUSD, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents
		 SET name = $1, description = $2, system_prompt = $3, schedule = $4, timezone = $5,
		     model = $6, enabled = $7, tool_permissions = $8, budget_limit_usd = $9, updated_at = $10
		 WHERE id = $11`,
		agent.Name,
		agent.Description,
		agent.SystemPrompt,
		agent.Schedule,
		agent.Timezone,
		agent.Model,
		agent.Enabled,
		pq.Array(agent.ToolPermissions),
		budget,
		agent.UpdatedAt,
		agent.ID,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update agent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgAgentStore) UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_run_at = $1, next_run_at = $2 WHERE id = $3`,
		nullTime(lastRunAt), nullTime(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update agent run times: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent run times rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgAgentStore) UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET next_run_at = $1 WHERE id = $2`,
		nullTime(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update agent next run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent next run rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgAgentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(scanner rowScanner) (*models.Agent, error) {
	var (
		agent     models.Agent
		perms     pq.StringArray
		budget    sql.NullFloat64
		nextRunAt sql.NullTime
		lastRunAt sql.NullTime
	)
	if err := scanner.Scan(
		&agent.ID,
		&agent.UserID,
		&agent.Name,
		&agent.Description,
		&agent.SystemPrompt,
		&agent.Schedule,
		&agent.Timezone,
		&agent.Model,
		&agent.Enabled,
		&perms,
		&budget,
		&agent.ConversationID,
		&nextRunAt,
		&lastRunAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	// NULL stays nil (no restriction); '{}' stays an empty allow-list.
	agent.ToolPermissions = []string(perms)
	if budget.Valid {
		limit := budget.Float64
		agent.BudgetLimitUSD = &limit
	}
	if nextRunAt.Valid {
		agent.NextRunAt = nextRunAt.Time
	}
	if lastRunAt.Valid {
		agent.LastRunAt = lastRunAt.Time
	}
	return &agent, nil
}

type pgExecutionStore struct {
	db *sql.DB
}

const executionColumns = `id, agent_id, trigger_type, triggered_by_agent_id, status, started_at, finished_at, error_message`

func (s *pgExecutionStore) Create(ctx context.Context, exec *models.AgentExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_executions (`+executionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		exec.ID,
		exec.AgentID,
		string(exec.Trigger),
		nullableString(exec.TriggeredByAgent),
		string(exec.Status),
		exec.StartedAt,
		nullTime(exec.FinishedAt),
		nullableString(exec.ErrorMessage),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *pgExecutionStore) CreateIfNotRunning(ctx context.Context, exec *models.AgentExecution) (bool, error) {
	if exec == nil || exec.ID == "" || exec.AgentID == "" {
		return false, fmt.Errorf("execution is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_executions (`+executionColumns+`)
		 SELECT $1, $2, $3, $4, $5, $6, NULL, NULL
		 WHERE NOT EXISTS (
		     SELECT 1 FROM agent_executions WHERE agent_id = $2 AND status = $7
		 )`,
		exec.ID,
		exec.AgentID,
		string(exec.Trigger),
		nullableString(exec.TriggeredByAgent),
		string(exec.Status),
		exec.StartedAt,
		string(models.ExecutionRunning),
	)
	if err != nil {
		// A concurrent insert that slips past the NOT EXISTS guard trips the
		// single-running-execution index and reports as not inserted.
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("create execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create execution rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *pgExecutionStore) Get(ctx context.Context, id string) (*models.AgentExecution, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM agent_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

func (s *pgExecutionStore) HasRunning(ctx context.Context, agentID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM agent_executions WHERE agent_id = $1 AND status = $2 LIMIT 1`,
		agentID, string(models.ExecutionRunning)).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check running execution: %w", err)
	}
	return true, nil
}

func (s *pgExecutionStore) LatestWaiting(ctx context.Context, agentID string) (*models.AgentExecution, error) {
	if agentID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM agent_executions
		 WHERE agent_id = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		agentID, string(models.ExecutionWaitingApproval))
	exec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get waiting execution: %w", err)
	}
	return exec, nil
}

func (s *pgExecutionStore) Finish(ctx context.Context, id string, status models.ExecutionStatus, errMsg string, finishedAt time.Time) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_executions SET status = $1, error_message = $2, finished_at = $3 WHERE id = $4`,
		string(status), nullableString(errMsg), nullTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgExecutionStore) MarkStaleFailed(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_executions
		 SET status = $1, error_message = $2, finished_at = $3
		 WHERE status IN ($4, $5) AND started_at < $6`,
		string(models.ExecutionFailed),
		staleErrorMessage,
		time.Now(),
		string(models.ExecutionRunning),
		string(models.ExecutionWaitingApproval),
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale executions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark stale executions rows affected: %w", err)
	}
	return rows, nil
}

func (s *pgExecutionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.AgentExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM agent_executions
	          WHERE agent_id = $1 ORDER BY started_at DESC`
	args := []any{agentID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	execs := []*models.AgentExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

func scanExecution(scanner rowScanner) (*models.AgentExecution, error) {
	var (
		exec        models.AgentExecution
		trigger     string
		triggeredBy sql.NullString
		status      string
		finishedAt  sql.NullTime
		errMsg      sql.NullString
	)
	if err := scanner.Scan(
		&exec.ID,
		&exec.AgentID,
		&trigger,
		&triggeredBy,
		&status,
		&exec.StartedAt,
		&finishedAt,
		&errMsg,
	); err != nil {
		return nil, err
	}
	exec.Trigger = models.TriggerType(trigger)
	exec.Status = models.ExecutionStatus(status)
	if triggeredBy.Valid {
		exec.TriggeredByAgent = triggeredBy.String
	}
	if finishedAt.Valid {
		exec.FinishedAt = finishedAt.Time
	}
	if errMsg.Valid {
		exec.ErrorMessage = errMsg.String
	}
	return &exec, nil
}

type pgApprovalStore struct {
	db *sql.DB
}

const approvalColumns = `id, agent_id, user_id, tool_name, tool_args, description, status, created_at, decided_at`

func (s *pgApprovalStore) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("approval request is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		req.ID,
		req.AgentID,
		req.UserID,
		req.ToolName,
		[]byte(req.ToolArgs),
		req.Description,
		string(req.Status),
		req.CreatedAt,
		nullTime(req.DecidedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

func (s *pgApprovalStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	req, err := scanApproval(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return req, nil
}

func (s *pgApprovalStore) HasPending(ctx context.Context, agentID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM approval_requests WHERE agent_id = $1 AND status = $2 LIMIT 1`,
		agentID, string(models.ApprovalPending)).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check pending approval: %w", err)
	}
	return true, nil
}

func (s *pgApprovalStore) ListPending(ctx context.Context, userID string) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC`,
		userID, string(models.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	reqs := []*models.ApprovalRequest{}
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return reqs, nil
}

func (s *pgApprovalStore) Decide(ctx context.Context, id string, status models.ApprovalStatus, decidedAt time.Time) error {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return fmt.Errorf("invalid decision status: %q", status)
	}
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = $1, decided_at = $2 WHERE id = $3 AND status = $4`,
		string(status), decidedAt, id, string(models.ApprovalPending))
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide approval rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Zero rows: the request is either missing or already terminal.
	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM approval_requests WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("decide approval: %w", err)
	}
	return ErrAlreadyDecided
}

func scanApproval(scanner rowScanner) (*models.ApprovalRequest, error) {
	var (
		req       models.ApprovalRequest
		toolArgs  []byte
		status    string
		decidedAt sql.NullTime
	)
	if err := scanner.Scan(
		&req.ID,
		&req.AgentID,
		&req.UserID,
		&req.ToolName,
		&toolArgs,
		&req.Description,
		&status,
		&req.CreatedAt,
		&decidedAt,
	); err != nil {
		return nil, err
	}
	req.ToolArgs = toolArgs
	req.Status = models.ApprovalStatus(status)
	if decidedAt.Valid {
		req.DecidedAt = decidedAt.Time
	}
	return &req, nil
}

type pgCostStore struct {
	db *sql.DB
}

func (s *pgCostStore) Create(ctx context.Context, cost *models.MessageCost) error {
	if cost == nil || cost.ID == "" {
		return fmt.Errorf("cost is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_costs (id, message_id, conversation_id, user_id, model, input_tokens, output_tokens, cost_usd, image_cost_usd, mode, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		cost.ID,
		cost.MessageID,
		cost.ConversationID,
		cost.UserID,
		cost.Model,
		cost.InputTokens,
		cost.OutputTokens,
		cost.CostUSD,
		cost.ImageCostUSD,
		string(cost.Mode),
		cost.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create cost: %w", err)
	}
	return nil
}

func (s *pgCostStore) DailySpend(ctx context.Context, conversationID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd + image_cost_usd), 0)
		 FROM message_costs WHERE conversation_id = $1 AND created_at >= $2`,
		conversationID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum daily spend: %w", err)
	}
	return total, nil
}

type pgMemoryStore struct {
	db *sql.DB
}

func (s *pgMemoryStore) Add(ctx context.Context, entry *models.MemoryEntry) error {
	if entry == nil || entry.ID == "" || entry.UserID == "" {
		return fmt.Errorf("memory entry is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, content, category, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID,
		entry.UserID,
		entry.Content,
		entry.Category,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("add memory: %w", err)
	}
	return nil
}

func (s *pgMemoryStore) Update(ctx context.Context, entry *models.MemoryEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("memory entry is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET content = $1, category = $2, updated_at = $3
		 WHERE id = $4 AND user_id = $5`,
		entry.Content, entry.Category, entry.UpdatedAt, entry.ID, entry.UserID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update memory rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgMemoryStore) Delete(ctx context.Context, userID, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete memory rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgMemoryStore) List(ctx context.Context, userID string) ([]*models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, category, created_at, updated_at
		 FROM memories WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	entries := []*models.MemoryEntry{}
	for rows.Next() {
		var entry models.MemoryEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.Content,
			&entry.Category,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return entries, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "23505")
}

func marshalSlice[T any](items []T) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items)
}

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
