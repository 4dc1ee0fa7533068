package chunks

// lruList keeps chunk keys in recency order, most recent at the front.
type lruList struct {
	head  *lruNode
	tail  *lruNode
	nodes map[Key]*lruNode
}

type lruNode struct {
	key        Key
	prev, next *lruNode
}

func newLRUList() *lruList {
	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head
	return &lruList{head: head, tail: tail, nodes: make(map[Key]*lruNode)}
}

// touch inserts key at the front, or moves it there if already tracked.
func (l *lruList) touch(key Key) {
	if node, ok := l.nodes[key]; ok {
		l.unlink(node)
		l.pushFront(node)
		return
	}
	node := &lruNode{key: key}
	l.nodes[key] = node
	l.pushFront(node)
}

func (l *lruList) remove(key Key) {
	if node, ok := l.nodes[key]; ok {
		l.unlink(node)
		delete(l.nodes, key)
	}
}

// oldest returns the least recently used key without removing it.
func (l *lruList) oldest() (Key, bool) {
	if len(l.nodes) == 0 {
		return Key{}, false
	}
	return l.tail.prev.key, true
}

func (l *lruList) len() int { return len(l.nodes) }

func (l *lruList) pushFront(node *lruNode) {
	node.prev = l.head
	node.next = l.head.next
	l.head.next.prev = node
	l.head.next = node
}

func (l *lruList) unlink(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
	node.prev, node.next = nil, nil
}
