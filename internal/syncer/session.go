package syncer

import "sync"

// Session tracks what the user is currently looking at. It is owned by the
// scheduler's caller and passed in explicitly; the state exists solely to
// suppress notifications for content already on screen.
type Session struct {
	mu                    sync.RWMutex
	viewingScenarioID     string
	viewingConversationID string
}

// NewSession returns an empty viewing session.
func NewSession() *Session {
	return &Session{}
}

// SetViewingScenario records the scenario on screen; empty clears it.
// Switching scenarios also clears the conversation.
func (s *Session) SetViewingScenario(scenarioID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewingScenarioID != scenarioID {
		s.viewingConversationID = ""
	}
	s.viewingScenarioID = scenarioID
}

// SetViewingConversation records the conversation on screen; empty clears it.
func (s *Session) SetViewingConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewingConversationID = conversationID
}

// ViewingScenario reports whether the scenario is currently on screen.
func (s *Session) ViewingScenario(scenarioID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scenarioID != "" && s.viewingScenarioID == scenarioID
}

// ViewingConversation reports whether the conversation is currently on screen.
func (s *Session) ViewingConversation(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conversationID != "" && s.viewingConversationID == conversationID
}
