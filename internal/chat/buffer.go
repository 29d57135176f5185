package chat

import "sync"

// MaxBufferMessages is the number of recent messages retained per chat.
const MaxBufferMessages = 5

// BufferedMessage is the condensed form of a message kept for block reports.
type BufferedMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Buffered condenses m.
func Buffered(m Message) BufferedMessage {
	return BufferedMessage{
		ID:   m.ID,
		From: m.SenderID,
		Kind: m.Content.Kind(),
		Text: m.Content.Summary(),
		Ts:   m.CreatedAt.UnixMilli(),
	}
}

// MessageBuffer stores the last N confirmed messages per chat in memory.
// It is goroutine-safe and uses a ring buffer internally.
type MessageBuffer struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // chatID -> ring buffer
}

type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

func (rb *ringBuffer) push(msg BufferedMessage) {
	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxBufferMessages
	if rb.count < MaxBufferMessages {
		rb.count++
	}
}

func (rb *ringBuffer) contains(id string) bool {
	for i := 0; i < rb.count; i++ {
		if rb.items[i].ID == id {
			return true
		}
	}
	return false
}

// NewMessageBuffer creates a new empty MessageBuffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{
		buffers: make(map[string]*ringBuffer),
	}
}

func (mb *MessageBuffer) ring(chatID string) *ringBuffer {
	rb, ok := mb.buffers[chatID]
	if !ok {
		rb = &ringBuffer{items: make([]BufferedMessage, MaxBufferMessages)}
		mb.buffers[chatID] = rb
	}
	return rb
}

// Add appends a message to the chat's ring buffer. A message whose ID is
// already buffered is ignored. If the buffer is full, the oldest message is
// overwritten.
func (mb *MessageBuffer) Add(chatID string, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb := mb.ring(chatID)
	if msg.ID != "" && rb.contains(msg.ID) {
		return
	}
	rb.push(msg)
}

// Record resets the chat's buffer to the newest confirmed messages in msgs,
// which must be in chronological order.
func (mb *MessageBuffer) Record(chatID string, msgs []Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb := &ringBuffer{items: make([]BufferedMessage, MaxBufferMessages)}
	for _, m := range msgs {
		if m.Confirmed() {
			rb.push(Buffered(m))
		}
	}
	mb.buffers[chatID] = rb
}

// Get returns the buffered messages for a chat in chronological order
// (oldest first). Returns an empty slice if the chat has no buffer.
func (mb *MessageBuffer) Get(chatID string) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[chatID]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	// The oldest message is at position (pos - count) mod MaxBufferMessages.
	start := (rb.pos - rb.count + MaxBufferMessages) % MaxBufferMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxBufferMessages]
	}
	return result
}

// Remove deletes the buffer for a chat.
func (mb *MessageBuffer) Remove(chatID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, chatID)
}
