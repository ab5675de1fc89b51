package dispatcher

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// printer writes one line per body, writes of concurrent tasks are serialized.
type printer struct {
	lock sync.Mutex
	w    io.Writer
}

func (p *printer) Println(body string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, err := fmt.Fprintln(p.w, strings.TrimRight(body, "\r\n"))
	return err
}
