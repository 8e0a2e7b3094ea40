package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Fallback copy sent when a run decides to respond, escalate, or resolve but
// the model produced no visitor-facing message of its own.
const (
	defaultRespondMessage  = "Thanks for reaching out! I'm looking into this and will get back to you shortly."
	defaultEscalateMessage = "I'm bringing in a teammate who can help with this. They'll be with you soon."
	defaultResolveMessage  = "Glad I could help! I'm closing this conversation now, but feel free to reach out again anytime."
)

type messageSet struct {
	Respond  string `yaml:"respond"`
	Escalate string `yaml:"escalate"`
	Resolve  string `yaml:"resolve"`
}

type messagesFile struct {
	Defaults messageSet            `yaml:"defaults"`
	Agents   map[string]messageSet `yaml:"agents"`
}

// MessageCatalog resolves fallback message text per action, with optional
// per-agent overrides loaded from a YAML file. The file is watched and
// reloaded on change so copy edits don't need a restart.
type MessageCatalog struct {
	mu       sync.RWMutex
	defaults messageSet
	agents   map[string]messageSet

	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once
}

// NewMessageCatalog loads the catalog from path. A missing file is not an
// error: built-in defaults apply until the file shows up.
func NewMessageCatalog(path string, logger *zap.Logger) (*MessageCatalog, error) {
	c := &MessageCatalog{
		defaults: messageSet{
			Respond:  defaultRespondMessage,
			Escalate: defaultEscalateMessage,
			Resolve:  defaultResolveMessage,
		},
		agents: make(map[string]messageSet),
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := c.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		logger.Info("Fallback message file not found, using built-in defaults",
			zap.String("path", path))
	}

	if err := c.watch(); err != nil {
		logger.Warn("Fallback message hot reload disabled", zap.Error(err))
	}

	return c, nil
}

// MessageFor returns the fallback text for an action, preferring a per-agent
// override when one exists. Unknown actions fall back to the respond text.
func (c *MessageCatalog) MessageFor(agentID, action string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.defaults
	if override, ok := c.agents[agentID]; ok {
		set = merged(c.defaults, override)
	}

	switch action {
	case "escalate":
		return set.Escalate
	case "resolve":
		return set.Resolve
	default:
		return set.Respond
	}
}

// Close stops the file watcher.
func (c *MessageCatalog) Close() {
	c.stopped.Do(func() {
		close(c.stopCh)
		if c.watcher != nil {
			c.watcher.Close()
		}
	})
}

func (c *MessageCatalog) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var f messagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse messages file: %w", err)
	}

	defaults := messageSet{
		Respond:  defaultRespondMessage,
		Escalate: defaultEscalateMessage,
		Resolve:  defaultResolveMessage,
	}
	defaults = merged(defaults, f.Defaults)

	agents := make(map[string]messageSet, len(f.Agents))
	for id, set := range f.Agents {
		agents[id] = set
	}

	c.mu.Lock()
	c.defaults = defaults
	c.agents = agents
	c.mu.Unlock()

	c.logger.Info("Loaded fallback messages",
		zap.String("path", c.path),
		zap.Int("agent_overrides", len(agents)))
	return nil
}

func (c *MessageCatalog) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return err
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := c.load(); err != nil {
						c.logger.Warn("Fallback message reload failed, keeping previous catalog",
							zap.Error(err))
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Fallback message watcher error", zap.Error(err))
			case <-c.stopCh:
				return
			}
		}
	}()
	return nil
}

// merged fills blanks in an override from the base set.
func merged(base, override messageSet) messageSet {
	out := base
	if override.Respond != "" {
		out.Respond = override.Respond
	}
	if override.Escalate != "" {
		out.Escalate = override.Escalate
	}
	if override.Resolve != "" {
		out.Resolve = override.Resolve
	}
	return out
}
