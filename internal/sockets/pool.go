package sockets

import (
	"errors"
	"sync"
)

var ErrSocketClosed = errors.New("socket closed")

type SocketPool struct {
	mutex   sync.Mutex
	sockets map[SocketID]Socket
}

func NewSocketPool() *SocketPool {
	return &SocketPool{
		sockets: make(map[SocketID]Socket),
	}
}

// AddSocket registers soc under id and closes the socket it replaces.
func (p *SocketPool) AddSocket(id SocketID, soc Socket) (replaced bool) {
	p.mutex.Lock()
	old, contains := p.sockets[id]
	p.sockets[id] = soc
	p.mutex.Unlock()

	if contains && old != soc {
		_ = old.Close()
		return true
	}
	return false
}

func (p *SocketPool) GetSocket(id SocketID) Socket {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.sockets[id]
}

// RemoveSocket unregisters soc if it is still the socket for id.
func (p *SocketPool) RemoveSocket(id SocketID, soc Socket) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.sockets[id] != soc {
		return false
	}
	delete(p.sockets, id)
	return true
}

func (p *SocketPool) CloseSocket(id SocketID) {
	p.mutex.Lock()
	soc, contains := p.sockets[id]
	delete(p.sockets, id)
	p.mutex.Unlock()
	if contains {
		_ = soc.Close()
	}
}

func (p *SocketPool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.sockets)
}

func (p *SocketPool) Close() {
	p.mutex.Lock()
	socks := p.sockets
	p.sockets = make(map[SocketID]Socket)
	p.mutex.Unlock()

	for _, conn := range socks {
		_ = conn.Close()
	}
}
