package canvas

import "sync"

const (
	TypeText            = "text"
	TypePrompt          = "prompt"
	TypeImageGeneration = "image-generation"
	TypeVideoGeneration = "video-generation"
	TypeImageUpload     = "image-upload"
	TypeOutput          = "output"
)

// Execution state written into node data by the generation engine. It is
// never persisted and never taken from a remote snapshot.
var executionKeys = []string{
	"isExecuting",
	"isComplete",
	"error",
	"executionTime",
	"isToolbarVisible",
}

// NodeKind declares which data keys of a node type are session-local.
type NodeKind struct {
	Type          string
	EphemeralKeys []string
}

// Catalog maps node types to their kinds. Types that were never registered
// get the execution keys only.
type Catalog struct {
	mu    sync.RWMutex
	kinds map[string]map[string]struct{}
}

func NewCatalog(kinds ...NodeKind) *Catalog {
	c := &Catalog{kinds: make(map[string]map[string]struct{})}
	for _, kind := range kinds {
		c.Register(kind)
	}
	return c
}

// DefaultCatalog returns the catalog of built-in node types.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		NodeKind{Type: TypeText},
		NodeKind{Type: TypePrompt},
		NodeKind{Type: TypeImageGeneration, EphemeralKeys: []string{"generatedImage"}},
		NodeKind{Type: TypeVideoGeneration, EphemeralKeys: []string{"generatedVideo"}},
		NodeKind{Type: TypeImageUpload, EphemeralKeys: []string{"generatedImage"}},
		NodeKind{Type: TypeOutput},
	)
}

// Register adds or replaces a node kind. Execution keys are always included.
func (c *Catalog) Register(kind NodeKind) {
	keys := make(map[string]struct{}, len(executionKeys)+len(kind.EphemeralKeys))
	for _, key := range executionKeys {
		keys[key] = struct{}{}
	}
	for _, key := range kind.EphemeralKeys {
		keys[key] = struct{}{}
	}
	c.mu.Lock()
	c.kinds[kind.Type] = keys
	c.mu.Unlock()
}

// IsEphemeral reports whether key is session-local for nodes of nodeType.
func (c *Catalog) IsEphemeral(nodeType, key string) bool {
	if c == nil {
		return isExecutionKey(key)
	}
	c.mu.RLock()
	keys, ok := c.kinds[nodeType]
	c.mu.RUnlock()
	if !ok {
		return isExecutionKey(key)
	}
	_, ephemeral := keys[key]
	return ephemeral
}

// Split separates node data into persisted and ephemeral parts. Either
// result is nil when it would be empty.
func (c *Catalog) Split(nodeType string, data map[string]any) (persisted, ephemeral map[string]any) {
	for key, value := range data {
		if c.IsEphemeral(nodeType, key) {
			if ephemeral == nil {
				ephemeral = make(map[string]any)
			}
			ephemeral[key] = value
			continue
		}
		if persisted == nil {
			persisted = make(map[string]any)
		}
		persisted[key] = value
	}
	return persisted, ephemeral
}

// Persisted strips the node down to the fields that are written to storage.
func (c *Catalog) Persisted(node Node) Node {
	node.Data, _ = c.Split(node.Type, node.Data)
	node.Selected = false
	node.Dragging = false
	return node
}

func isExecutionKey(key string) bool {
	for _, candidate := range executionKeys {
		if candidate == key {
			return true
		}
	}
	return false
}
