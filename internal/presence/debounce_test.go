package presence

import (
	"testing"
	"time"
)

func TestDebouncer(t *testing.T) {
	const (
		key      = "settings"
		debounce = 50 * time.Millisecond
	)

	cases := []struct {
		name     string
		do       func(c *debouncer[string], cb chan<- string)
		expected []string
	}{
		{
			name: "enq",
			do: func(c *debouncer[string], cb chan<- string) {
				c.enqueue(key, func() {
					cb <- "hi"
				})
			},
			expected: []string{"hi"},
		},
		{
			name: "enq-enq",
			do: func(c *debouncer[string], cb chan<- string) {
				c.enqueue(key, func() {
					cb <- "hi"
				})
				c.enqueue(key, func() {
					cb <- "repeat!"
				})
			},
			expected: []string{"hi"},
		},
		{
			name: "cancel",
			do: func(c *debouncer[string], _ chan<- string) {
				t.Logf("cancel: %v", c.cancel(key))
			},
			expected: nil,
		},
		{
			name: "enq-cancel-enq",
			do: func(c *debouncer[string], cb chan<- string) {
				c.enqueue(key, func() {
					cb <- "1"
				})
				t.Logf("cancel: %v", c.cancel(key))
				c.enqueue(key, func() {
					cb <- "2"
				})
			},
			expected: []string{"2"},
		},
		{
			name: "enq-pause-enq",
			do: func(c *debouncer[string], cb chan<- string) {
				c.enqueue(key, func() {
					cb <- "+"
				})
				// Allow the first callback to run.
				time.Sleep(debounce + debounce/2)
				c.enqueue(key, func() {
					cb <- "++"
				})
			},
			expected: []string{"+", "++"},
		},
		{
			name: "enq-stop-enq",
			do: func(c *debouncer[string], cb chan<- string) {
				c.enqueue(key, func() {
					cb <- "+"
				})
				c.stop()
				t.Logf("enqueue after stop: %v", c.enqueue(key, func() {
					cb <- "++"
				}))
			},
			expected: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newDebouncer[string](debounce)
			callback := make(chan string, 1)
			go tc.do(c, callback)

			for _, expected := range tc.expected {
				select {
				case got := <-callback:
					if got != expected {
						t.Fatalf("callback performed, got %q; expected %q", got, expected)
					}
					t.Logf("callback performed, got %q", got)
				case <-time.After(4 * debounce):
					t.Fatal("timeout waiting for callback")
				}
			}

			select {
			case got := <-callback:
				t.Fatalf("unexpected callback performed, got %q", got)
			case <-time.After(2 * debounce):
				t.Log("no unexpected callback")
			}
		})
	}
}

func TestDebouncer_Cancel(t *testing.T) {
	mac := MAC{0xFF, 0xBE, 0xEF, 0x00, 0x00, 0x00}
	debounce := 50 * time.Millisecond

	c := newDebouncer[MAC](debounce)

	callback := make(chan struct{}, 1)
	if !c.enqueue(mac, func() { callback <- struct{}{} }) {
		t.Fatal("c.enqueue() = false; expected true")
	}
	if result := c.cancel(mac); !result {
		t.Fatalf("c.cancel() = %v; expected true", result)
	}

	select {
	case <-callback:
		t.Fatal("unexpected callback")
	case <-time.After(debounce * 2):
		t.Log("no unexpected callback")
	}
}
