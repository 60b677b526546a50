package core

// Signature is a task-invocation blueprint: a task name plus its serialized
// arguments and delivery options, independent of any live message.
type Signature struct {
	Task        string            `json:"task"`
	Args        []byte            `json:"args"`
	ContentType string            `json:"contentType"`
	Queue       string            `json:"queue,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	MaxRetries  int               `json:"maxRetries,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ToMessage builds a fresh TaskMessage from the signature, assigning a new id.
func (s Signature) ToMessage() TaskMessage {
	return TaskMessage{
		ID:          NewTaskID(),
		Task:        s.Task,
		Args:        s.Args,
		ContentType: s.ContentType,
		Queue:       s.Queue,
		Priority:    s.Priority,
		MaxRetries:  s.MaxRetries,
		Headers:     s.Headers,
		StoreResult: true,
	}
}

// PrimitiveKind discriminates the canvas sum type.
type PrimitiveKind string

const (
	PrimitiveSignature PrimitiveKind = "signature"
	PrimitiveChain     PrimitiveKind = "chain"
	PrimitiveGroup     PrimitiveKind = "group"
	PrimitiveChord     PrimitiveKind = "chord"
)

// Primitive is the canvas composition sum type: Signature | Chain | Group |
// Chord{header, callback}. Only the field matching Kind is populated.
type Primitive struct {
	Kind      PrimitiveKind `json:"kind"`
	Sig       *Signature    `json:"sig,omitempty"`
	Children  []Primitive   `json:"children,omitempty"` // Chain or Group members
	Header    []Primitive   `json:"header,omitempty"`   // Chord header group
	Callback  *Signature    `json:"callback,omitempty"` // Chord callback
}

// Sig wraps a bare signature as a primitive leaf.
func Sig(s Signature) Primitive { return Primitive{Kind: PrimitiveSignature, Sig: &s} }

// Chain composes primitives to run one after another, passing results along.
func Chain(parts ...Primitive) Primitive {
	return Primitive{Kind: PrimitiveChain, Children: parts}
}

// Group composes primitives to run in parallel with no ordering guarantee.
func Group(parts ...Primitive) Primitive {
	return Primitive{Kind: PrimitiveGroup, Children: parts}
}

// ChordOf composes a parallel header group with a callback invoked once
// every header member completes.
func ChordOf(header []Primitive, callback Signature) Primitive {
	return Primitive{Kind: PrimitiveChord, Header: header, Callback: &callback}
}

// Walk visits every Signature leaf in pre-order; chords visit their header
// members then the callback, chains and groups visit children in order.
// There are no back-references, so this always terminates.
func (p Primitive) Walk(visit func(Signature)) {
	switch p.Kind {
	case PrimitiveSignature:
		if p.Sig != nil {
			visit(*p.Sig)
		}
	case PrimitiveChain, PrimitiveGroup:
		for _, child := range p.Children {
			child.Walk(visit)
		}
	case PrimitiveChord:
		for _, h := range p.Header {
			h.Walk(visit)
		}
		if p.Callback != nil {
			visit(*p.Callback)
		}
	}
}

// HeaderLeafCount returns the number of Signature leaves reachable from p,
// excluding chord callbacks.
func (p Primitive) HeaderLeafCount() int {
	switch p.Kind {
	case PrimitiveSignature:
		return 1
	case PrimitiveChain, PrimitiveGroup:
		n := 0
		for _, c := range p.Children {
			n += c.HeaderLeafCount()
		}
		return n
	case PrimitiveChord:
		n := 0
		for _, h := range p.Header {
			n += h.HeaderLeafCount()
		}
		return n
	default:
		return 0
	}
}
