package send

import "sync"

// Composer is the compose field the user types into.
type Composer struct {
	mu   sync.Mutex
	text string
}

// Set replaces the compose text.
func (c *Composer) Set(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

// Text returns the compose text.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// take clears the field and returns what it held.
func (c *Composer) take() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.text
	c.text = ""
	return text
}

// restore puts failed text back, overwriting anything typed since.
func (c *Composer) restore(text string) {
	c.Set(text)
}
