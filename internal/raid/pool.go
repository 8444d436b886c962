// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"sync"
)

// bufferPool hands out stripe unit buffers, one sync.Pool per size. Streams
// check buffers out when opened and return them exactly once when closed.
type bufferPool struct {
	lock  sync.Mutex
	pools map[int]*sync.Pool
}

var units = &bufferPool{pools: make(map[int]*sync.Pool)}

func (p *bufferPool) pool(size int) *sync.Pool {
	p.lock.Lock()
	defer p.lock.Unlock()
	sp, ok := p.pools[size]
	if !ok {
		sp = &sync.Pool{New: func() interface{} {
			b := make([]byte, size)
			return &b
		}}
		p.pools[size] = sp
	}
	return sp
}

// get returns a buffer of exactly 'size' bytes. Contents are undefined.
func (p *bufferPool) get(size int) *[]byte {
	return p.pool(size).Get().(*[]byte)
}

// put returns 'b' to the pool for its size.
func (p *bufferPool) put(b *[]byte) {
	p.pool(len(*b)).Put(b)
}
