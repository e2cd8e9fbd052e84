package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/pkg/models"
)

// NewMemoryStores constructs a Set backed by process memory. Values are
// copied on the way in and out, so callers never share mutable state with
// the store.
func NewMemoryStores() Set {
	return Set{
		Users:         newMemUserStore(),
		Conversations: newMemConversationStore(),
		Agents:        newMemAgentStore(),
		Executions:    newMemExecutionStore(),
		Approvals:     newMemApprovalStore(),
		Costs:         newMemCostStore(),
		Memories:      newMemMemoryStore(),
	}
}

type memUserStore struct {
	mu      sync.RWMutex
	users   map[string]*models.User
	byEmail map[string]string
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		users:   make(map[string]*models.User),
		byEmail: make(map[string]string),
	}
}

func (s *memUserStore) FindOrCreate(ctx context.Context, email, name string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEmail[email]; ok {
		user := s.users[id]
		if name != "" && user.Name != name {
			user.Name = name
			user.UpdatedAt = time.Now()
		}
		return cloneUser(user), nil
	}
	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.users[user.ID] = user
	s.byEmail[email] = user.ID
	return cloneUser(user), nil
}

func (s *memUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(user), nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *memUserStore) Update(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneUser(user)
	next.Email = strings.ToLower(strings.TrimSpace(next.Email))
	if next.Email != prev.Email {
		delete(s.byEmail, prev.Email)
		s.byEmail[next.Email] = next.ID
	}
	s.users[next.ID] = next
	return nil
}

type memConversationStore struct {
	mu       sync.RWMutex
	convs    map[string]*models.Conversation
	messages map[string][]*models.Message
	msgIndex map[string]*models.Message
}

func newMemConversationStore() *memConversationStore {
	return &memConversationStore{
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]*models.Message),
		msgIndex: make(map[string]*models.Message),
	}
}

func (s *memConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; exists {
		return ErrAlreadyExists
	}
	s.convs[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *memConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *memConversationStore) GetOwned(ctx context.Context, id, userID string) (*models.Conversation, error) {
	if id == "" || userID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *memConversationStore) GetOrCreatePlanner(ctx context.Context, userID, model string) (*models.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.convs {
		if conv.UserID == userID && conv.IsPlanning {
			return cloneConversation(conv), nil
		}
	}
	conv := &models.Conversation{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      "Planner",
		Model:      model,
		IsPlanning: true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	s.convs[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (s *memConversationStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := make([]*models.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		if userID != "" && conv.UserID != userID {
			continue
		}
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	page := paginate(convs, limit, offset)
	out := make([]*models.Conversation, len(page))
	for i, conv := range page {
		out[i] = cloneConversation(conv)
	}
	return out, len(convs), nil
}

func (s *memConversationStore) SetTitle(ctx context.Context, id, title string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	return nil
}

func (s *memConversationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	for _, msg := range s.messages[id] {
		delete(s.msgIndex, msg.ID)
	}
	delete(s.messages, id)
	delete(s.convs, id)
	return nil
}

func (s *memConversationStore) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.msgIndex[msg.ID]; exists {
		return ErrAlreadyExists
	}
	stored := cloneMessage(msg)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)
	s.sortMessagesLocked(msg.ConversationID)
	s.msgIndex[stored.ID] = stored
	conv.UpdatedAt = stored.CreatedAt
	return nil
}

func (s *memConversationStore) Messages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[conversationID]
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (s *memConversationStore) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return cloneMessage(msgs[len(msgs)-1]), nil
}

func (s *memConversationStore) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.msgIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *memConversationStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.msgIndex[msg.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneMessage(msg)
	next.ConversationID = stored.ConversationID
	msgs := s.messages[stored.ConversationID]
	for i, m := range msgs {
		if m.ID == msg.ID {
			msgs[i] = next
			break
		}
	}
	s.msgIndex[msg.ID] = next
	s.sortMessagesLocked(stored.ConversationID)
	return nil
}

func (s *memConversationStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgIndex[id]
	if !ok {
		return ErrNotFound
	}
	msg.Content = content
	return nil
}

func (s *memConversationStore) DeleteMessage(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgIndex[id]
	if !ok {
		return ErrNotFound
	}
	msgs := s.messages[msg.ConversationID]
	for i, m := range msgs {
		if m.ID == id {
			s.messages[msg.ConversationID] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	delete(s.msgIndex, id)
	return nil
}

func (s *memConversationStore) ClearMessages(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	for _, msg := range s.messages[conversationID] {
		delete(s.msgIndex, msg.ID)
	}
	delete(s.messages, conversationID)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *memConversationStore) CompactMessages(ctx context.Context, conversationID string, removeIDs []string, summary *models.Message) error {
	if summary == nil || summary.ID == "" {
		return fmt.Errorf("summary message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conversationID]; !ok {
		return ErrNotFound
	}
	if _, exists := s.msgIndex[summary.ID]; exists {
		return ErrAlreadyExists
	}
	remove := make(map[string]bool, len(removeIDs))
	for _, id := range removeIDs {
		remove[id] = true
	}
	kept := s.messages[conversationID][:0]
	for _, msg := range s.messages[conversationID] {
		if remove[msg.ID] {
			delete(s.msgIndex, msg.ID)
			continue
		}
		kept = append(kept, msg)
	}
	stored := cloneMessage(summary)
	stored.ConversationID = conversationID
	s.messages[conversationID] = append(kept, stored)
	s.msgIndex[stored.ID] = stored
	s.sortMessagesLocked(conversationID)
	return nil
}

func (s *memConversationStore) sortMessagesLocked(conversationID string) {
	msgs := s.messages[conversationID]
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

type memAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

func newMemAgentStore() *memAgentStore {
	return &memAgentStore{agents: make(map[string]*models.Agent)}
}

func (s *memAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	for _, other := range s.agents {
		if other.UserID == agent.UserID && other.Name == agent.Name {
			return ErrAlreadyExists
		}
	}
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *memAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

func (s *memAgentStore) GetOwned(ctx context.Context, id, userID string) (*models.Agent, error) {
	if id == "" || userID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok || agent.UserID != userID {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

func (s *memAgentStore) GetByName(ctx context.Context, userID, name string) (*models.Agent, error) {
	if userID == "" || name == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, agent := range s.agents {
		if agent.UserID == userID && agent.Name == name {
			return cloneAgent(agent), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memAgentStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if userID != "" && agent.UserID != userID {
			continue
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	page := paginate(agents, limit, offset)
	out := make([]*models.Agent, len(page))
	for i, agent := range page {
		out[i] = cloneAgent(agent)
	}
	return out, len(agents), nil
}

func (s *memAgentStore) ListDue(ctx context.Context, now time.Time) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := []*models.Agent{}
	for _, agent := range s.agents {
		if !agent.Enabled || agent.NextRunAt.IsZero() || agent.NextRunAt.After(now) {
			continue
		}
		due = append(due, cloneAgent(agent))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	return due, nil
}

func (s *memAgentStore) Update(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; !exists {
		return ErrNotFound
	}
	for _, other := range s.agents {
		if other.ID != agent.ID && other.UserID == agent.UserID && other.Name == agent.Name {
			return ErrAlreadyExists
		}
	}
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *memAgentStore) UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	agent.LastRunAt = lastRunAt
	agent.NextRunAt = nextRunAt
	return nil
}

func (s *memAgentStore) UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	agent.NextRunAt = nextRunAt
	return nil
}

func (s *memAgentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; !exists {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

type memExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*models.AgentExecution
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{execs: make(map[string]*models.AgentExecution)}
}

func (s *memExecutionStore) Create(ctx context.Context, exec *models.AgentExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return ErrAlreadyExists
	}
	s.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *memExecutionStore) CreateIfNotRunning(ctx context.Context, exec *models.AgentExecution) (bool, error) {
	if exec == nil || exec.ID == "" || exec.AgentID == "" {
		return false, fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return false, ErrAlreadyExists
	}
	for _, other := range s.execs {
		if other.AgentID == exec.AgentID && other.Status == models.ExecutionRunning {
			return false, nil
		}
	}
	s.execs[exec.ID] = cloneExecution(exec)
	return true, nil
}

func (s *memExecutionStore) Get(ctx context.Context, id string) (*models.AgentExecution, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

func (s *memExecutionStore) HasRunning(ctx context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, exec := range s.execs {
		if exec.AgentID == agentID && exec.Status == models.ExecutionRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *memExecutionStore) LatestWaiting(ctx context.Context, agentID string) (*models.AgentExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.AgentExecution
	for _, exec := range s.execs {
		if exec.AgentID != agentID || exec.Status != models.ExecutionWaitingApproval {
			continue
		}
		if latest == nil || exec.StartedAt.After(latest.StartedAt) {
			latest = exec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneExecution(latest), nil
}

func (s *memExecutionStore) Finish(ctx context.Context, id string, status models.ExecutionStatus, errMsg string, finishedAt time.Time) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return ErrNotFound
	}
	exec.Status = status
	exec.ErrorMessage = errMsg
	exec.FinishedAt = finishedAt
	return nil
}

func (s *memExecutionStore) MarkStaleFailed(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	now := time.Now()
	for _, exec := range s.execs {
		stuck := exec.Status == models.ExecutionRunning || exec.Status == models.ExecutionWaitingApproval
		if !stuck || !exec.StartedAt.Before(olderThan) {
			continue
		}
		exec.Status = models.ExecutionFailed
		exec.ErrorMessage = staleErrorMessage
		exec.FinishedAt = now
		count++
	}
	return count, nil
}

func (s *memExecutionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.AgentExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execs := []*models.AgentExecution{}
	for _, exec := range s.execs {
		if exec.AgentID != agentID {
			continue
		}
		execs = append(execs, exec)
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	out := make([]*models.AgentExecution, len(execs))
	for i, exec := range execs {
		out[i] = cloneExecution(exec)
	}
	return out, nil
}

type memApprovalStore struct {
	mu   sync.RWMutex
	reqs map[string]*models.ApprovalRequest
}

func newMemApprovalStore() *memApprovalStore {
	return &memApprovalStore{reqs: make(map[string]*models.ApprovalRequest)}
}

func (s *memApprovalStore) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("approval request is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reqs[req.ID]; exists {
		return ErrAlreadyExists
	}
	s.reqs[req.ID] = cloneApproval(req)
	return nil
}

func (s *memApprovalStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneApproval(req), nil
}

func (s *memApprovalStore) HasPending(ctx context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.reqs {
		if req.AgentID == agentID && req.Status == models.ApprovalPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *memApprovalStore) ListPending(ctx context.Context, userID string) ([]*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := []*models.ApprovalRequest{}
	for _, req := range s.reqs {
		if req.UserID != userID || req.Status != models.ApprovalPending {
			continue
		}
		pending = append(pending, cloneApproval(req))
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})
	return pending, nil
}

func (s *memApprovalStore) Decide(ctx context.Context, id string, status models.ApprovalStatus, decidedAt time.Time) error {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return fmt.Errorf("invalid decision status: %q", status)
	}
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != models.ApprovalPending {
		return ErrAlreadyDecided
	}
	req.Status = status
	req.DecidedAt = decidedAt
	return nil
}

type memCostStore struct {
	mu    sync.RWMutex
	costs map[string]*models.MessageCost
}

func newMemCostStore() *memCostStore {
	return &memCostStore{costs: make(map[string]*models.MessageCost)}
}

func (s *memCostStore) Create(ctx context.Context, cost *models.MessageCost) error {
	if cost == nil || cost.ID == "" {
		return fmt.Errorf("cost is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.costs[cost.ID]; exists {
		return ErrAlreadyExists
	}
	c := *cost
	s.costs[cost.ID] = &c
	return nil
}

func (s *memCostStore) DailySpend(ctx context.Context, conversationID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, cost := range s.costs {
		if cost.ConversationID != conversationID || cost.CreatedAt.Before(since) {
			continue
		}
		total += cost.CostUSD + cost.ImageCostUSD
	}
	return total, nil
}

type memMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.MemoryEntry
}

func newMemMemoryStore() *memMemoryStore {
	return &memMemoryStore{entries: make(map[string]*models.MemoryEntry)}
}

func (s *memMemoryStore) Add(ctx context.Context, entry *models.MemoryEntry) error {
	if entry == nil || entry.ID == "" || entry.UserID == "" {
		return fmt.Errorf("memory entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return ErrAlreadyExists
	}
	e := *entry
	s.entries[entry.ID] = &e
	return nil
}

func (s *memMemoryStore) Update(ctx context.Context, entry *models.MemoryEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("memory entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[entry.ID]
	if !ok || prev.UserID != entry.UserID {
		return ErrNotFound
	}
	e := *entry
	s.entries[entry.ID] = &e
	return nil
}

func (s *memMemoryStore) Delete(ctx context.Context, userID, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || entry.UserID != userID {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *memMemoryStore) List(ctx context.Context, userID string) ([]*models.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := []*models.MemoryEntry{}
	for _, entry := range s.entries {
		if entry.UserID != userID {
			continue
		}
		e := *entry
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Integrations = maps.Clone(u.Integrations)
	return &c
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	c := *conv
	return &c
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	c.Files = slices.Clone(m.Files)
	c.Sources = slices.Clone(m.Sources)
	c.GeneratedImages = slices.Clone(m.GeneratedImages)
	c.ToolCalls = slices.Clone(m.ToolCalls)
	c.ToolResults = slices.Clone(m.ToolResults)
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	c.ToolPermissions = slices.Clone(a.ToolPermissions)
	if a.BudgetLimitUSD != nil {
		limit := *a.BudgetLimitUSD
		c.BudgetLimitUSD = &limit
	}
	return &c
}

func cloneExecution(e *models.AgentExecution) *models.AgentExecution {
	c := *e
	return &c
}

func cloneApproval(r *models.ApprovalRequest) *models.ApprovalRequest {
	c := *r
	c.ToolArgs = slices.Clone(r.ToolArgs)
	return &c
}
