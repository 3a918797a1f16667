package forum

import (
	"regexp"
	"strings"
	"sync"

	"github.com/hupe1980/agentforum/core"
	"github.com/hupe1980/agentforum/logging"
	"github.com/hupe1980/agentforum/storage"
)

// UserAlias is the sender alias attributed to messages that come straight from
// the user rather than from a registered agent.
const UserAlias = "USER"

var aliasRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Options configures a Forum.
type Options struct {
	// TreeStore persists the immutable message trees. Defaults to an
	// in-memory store.
	TreeStore core.TreeStore
	// Logger receives structured log records. Defaults to slog.Default.
	Logger logging.Logger
	// ErrorFormatter renders error conditions into error message text and
	// metadata.
	ErrorFormatter ErrorFormatter
}

// Forum is the home of agents and their conversations: it owns the message
// tree store, the agent registry and the named user-level conversations.
type Forum struct {
	trees     core.TreeStore
	logger    logging.Logger
	formatter ErrorFormatter

	mu            sync.Mutex
	agents        map[string]*Agent
	conversations map[string]*ConversationTracker
}

// New creates a Forum.
func New(optFns ...func(o *Options)) *Forum {
	opts := Options{
		Logger:         logging.NewDefaultSlogLogger(),
		ErrorFormatter: DefaultErrorFormatter(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TreeStore == nil {
		opts.TreeStore = storage.NewInMemoryTreeStore()
	}
	return &Forum{
		trees:         opts.TreeStore,
		logger:        opts.Logger,
		formatter:     opts.ErrorFormatter,
		agents:        map[string]*Agent{},
		conversations: map[string]*ConversationTracker{},
	}
}

// TreeStore returns the store the forum's message trees live in.
func (f *Forum) TreeStore() core.TreeStore { return f.trees }

// AgentOptions configures agent registration.
type AgentOptions struct {
	// Description is a human-readable description of what the agent does. The
	// placeholder {AGENT_ALIAS} is replaced with the agent's alias, so a shared
	// description template can name the agent it describes.
	Description string
}

// RegisterAgent registers fn under the given alias. Aliases are unique per
// forum; registering the same alias twice is an error.
func (f *Forum) RegisterAgent(alias string, fn AgentFunc, optFns ...func(o *AgentOptions)) (*Agent, error) {
	opts := AgentOptions{}
	for _, optFn := range optFns {
		optFn(&opts)
	}
	if fn == nil {
		return nil, core.NewValidationError("agent %q has no function", alias)
	}
	if !aliasRegexp.MatchString(alias) {
		return nil, core.NewValidationError("invalid agent alias: %q", alias)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.agents[alias]; exists {
		return nil, core.NewValidationError("agent %q is already registered", alias)
	}
	agent := &Agent{
		forum:       f,
		alias:       alias,
		description: strings.ReplaceAll(opts.Description, "{AGENT_ALIAS}", alias),
		fn:          fn,
	}
	f.agents[alias] = agent
	f.logger.Debug("agent registered", "agent", alias)
	return agent, nil
}

// Agent looks up a registered agent by alias.
func (f *Forum) Agent(alias string) (*Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[alias]
	if !ok {
		return nil, core.ErrNotFound
	}
	return agent, nil
}

// AgentAliases returns the aliases of all registered agents.
func (f *Forum) AgentAliases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	aliases := make([]string, 0, len(f.agents))
	for alias := range f.agents {
		aliases = append(aliases, alias)
	}
	return aliases
}

// NewConversation creates an unnamed conversation branch.
func (f *Forum) NewConversation(optFns ...func(o *ConversationOptions)) (*ConversationTracker, error) {
	conv, err := newBranchedConversation(f, optFns)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns the named conversation, creating it on first use.
// The options only apply on creation.
func (f *Forum) GetConversation(descriptor string, optFns ...func(o *ConversationOptions)) (*ConversationTracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.conversations[descriptor]; ok {
		return conv, nil
	}
	conv, err := newBranchedConversation(f, optFns)
	if err != nil {
		return nil, err
	}
	f.conversations[descriptor] = conv
	return conv, nil
}

func newBranchedConversation(f *Forum, optFns []func(o *ConversationOptions)) (*ConversationTracker, error) {
	opts := ConversationOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BranchFrom != nil && opts.BranchFromSequence != nil {
		return nil, core.NewValidationError("a conversation cannot branch from both a message and a sequence")
	}
	conv := newConversationTracker(f)
	if opts.BranchFrom != nil {
		conv.setTip(opts.BranchFrom)
	}
	if opts.BranchFromSequence != nil {
		conv.setTipSequence(opts.BranchFromSequence)
	}
	return conv, nil
}
