package mpt

// keyToNibbles expands a byte key into its nibble representation (two
// nibbles per byte), matching keybytesToHex convention minus
// the terminator byte (our leaf/extension/branch kinds already disambiguate
// value termination, so no sentinel nibble is needed).
func keyToNibbles(key []byte) []byte {
	out := make([]byte, len(key)*2)
	for i, b := range key {
		out[i*2] = b >> 4
		out[i*2+1] = b & 0x0f
	}
	return out
}

func prefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func concatNibbles(a, b []byte) []byte {
	out := make([]byte, len(a)+len(b))
	copy(out, a)
	copy(out[len(a):], b)
	return out
}

func cloneBranch(n *Node) *Node {
	nn := &Node{kind: kindBranch, value: n.value}
	nn.children = n.children
	return nn
}

// loadChild resolves a childRef to its Node, following a durable offset
// through the store if the child has not yet been materialized in memory.
func (e *Engine) loadChild(c childRef) (*Node, error) {
	if c.mem != nil {
		return c.mem, nil
	}
	if !c.off.IsValid() {
		return nil, nil
	}
	return e.readNode(c.off)
}

// insertKey applies one (key, value) update to the subtree rooted at n,
// returning the new (in-memory, not yet written) root of that subtree.
// Grounded on Trie.insert, generalized from shortNode/fullNode
// to this package's leaf/extension/branch kinds with lazy child resolution.
func (e *Engine) insertKey(n *Node, key, value []byte, sm StateMachine) (*Node, error) {
	if n == nil {
		return newLeaf(key, value), nil
	}

	switch n.kind {
	case kindLeaf:
		matchLen := prefixLen(key, n.keyNibbles)
		if matchLen == len(n.keyNibbles) && matchLen == len(key) {
			return newLeaf(key, value), nil
		}

		branch := newBranch()
		if matchLen < len(n.keyNibbles) {
			existingNibble := n.keyNibbles[matchLen]
			branch.children[existingNibble] = refToMem(newLeaf(n.keyNibbles[matchLen+1:], n.leaf))
		} else {
			branch.value = n.leaf
		}
		if matchLen == len(key) {
			branch.value = value
		} else {
			newNibble := key[matchLen]
			branch.children[newNibble] = refToMem(newLeaf(key[matchLen+1:], value))
		}
		if matchLen > 0 {
			return newExtension(key[:matchLen], refToMem(branch)), nil
		}
		return branch, nil

	case kindExtension:
		matchLen := prefixLen(key, n.keyNibbles)
		if matchLen == len(n.keyNibbles) {
			child, err := e.loadChild(n.childNode)
			if err != nil {
				return nil, err
			}
			newChild, err := e.insertKey(child, key[matchLen:], value, sm)
			if err != nil {
				return nil, err
			}
			return newExtension(n.keyNibbles, refToMem(newChild)), nil
		}

		branch := newBranch()
		existingNibble := n.keyNibbles[matchLen]
		existingRemainder := n.keyNibbles[matchLen+1:]
		if len(existingRemainder) == 0 {
			branch.children[existingNibble] = n.childNode
		} else {
			branch.children[existingNibble] = refToMem(newExtension(existingRemainder, n.childNode))
		}
		if matchLen == len(key) {
			branch.value = value
		} else {
			newNibble := key[matchLen]
			branch.children[newNibble] = refToMem(newLeaf(key[matchLen+1:], value))
		}
		if matchLen > 0 {
			return newExtension(key[:matchLen], refToMem(branch)), nil
		}
		return branch, nil

	case kindBranch:
		nn := cloneBranch(n)
		if len(key) == 0 {
			nn.value = value
			return nn, nil
		}
		nibble := key[0]
		child, err := e.loadChild(nn.children[nibble])
		if err != nil {
			return nil, err
		}
		newChild, err := e.insertKey(child, key[1:], value, sm)
		if err != nil {
			return nil, err
		}
		nn.children[nibble] = refToMem(newChild)
		return nn, nil
	}
	return nil, nil
}

// deleteKey removes key from the subtree rooted at n, collapsing branches
// that are left with a single child, mirroring Trie.delete.
func (e *Engine) deleteKey(n *Node, key []byte, sm StateMachine) (*Node, error) {
	if n == nil {
		return nil, nil
	}

	switch n.kind {
	case kindLeaf:
		if keysEqual(n.keyNibbles, key) {
			return nil, nil
		}
		return n, nil

	case kindExtension:
		matchLen := prefixLen(key, n.keyNibbles)
		if matchLen < len(n.keyNibbles) {
			return n, nil
		}
		child, err := e.loadChild(n.childNode)
		if err != nil {
			return nil, err
		}
		newChild, err := e.deleteKey(child, key[matchLen:], sm)
		if err != nil {
			return nil, err
		}
		if newChild == nil {
			return nil, nil
		}
		switch newChild.kind {
		case kindLeaf:
			return newLeaf(concatNibbles(n.keyNibbles, newChild.keyNibbles), newChild.leaf), nil
		case kindExtension:
			merged := newExtension(concatNibbles(n.keyNibbles, newChild.keyNibbles), newChild.childNode)
			merged.childHeader = newChild.childHeader
			return merged, nil
		default:
			return newExtension(n.keyNibbles, refToMem(newChild)), nil
		}

	case kindBranch:
		nn := cloneBranch(n)
		if len(key) == 0 {
			nn.value = nil
		} else {
			nibble := key[0]
			child, err := e.loadChild(nn.children[nibble])
			if err != nil {
				return nil, err
			}
			newChild, err := e.deleteKey(child, key[1:], sm)
			if err != nil {
				return nil, err
			}
			if newChild == nil {
				nn.children[nibble] = childRef{}
			} else {
				nn.children[nibble] = refToMem(newChild)
			}
		}

		remaining := -1
		count := 0
		for i := 0; i < 16; i++ {
			if !nn.children[i].isEmpty() {
				count++
				remaining = i
			}
		}
		hasValue := nn.value != nil

		if count == 0 && !hasValue {
			return nil, nil
		}
		if count == 0 && hasValue {
			return newLeaf(nil, nn.value), nil
		}
		if count == 1 && !hasValue {
			child, err := e.loadChild(nn.children[remaining])
			if err != nil {
				return nil, err
			}
			switch child.kind {
			case kindLeaf:
				return newLeaf(concatNibbles([]byte{byte(remaining)}, child.keyNibbles), child.leaf), nil
			case kindExtension:
				merged := newExtension(concatNibbles([]byte{byte(remaining)}, child.keyNibbles), child.childNode)
				merged.childHeader = child.childHeader
				return merged, nil
			default:
				return newExtension([]byte{byte(remaining)}, refToMem(child)), nil
			}
		}
		return nn, nil
	}
	return n, nil
}

// find performs a read-only descent, resolving childRefs through the store
// as needed.
func (e *Engine) find(n *Node, key []byte) ([]byte, error) {
	if n == nil {
		return nil, ErrKeyNotFound
	}
	switch n.kind {
	case kindLeaf:
		if keysEqual(n.keyNibbles, key) {
			return n.leaf, nil
		}
		return nil, ErrKeyNotFound
	case kindExtension:
		matchLen := prefixLen(key, n.keyNibbles)
		if matchLen != len(n.keyNibbles) {
			return nil, ErrKeyNotFound
		}
		child, err := e.loadChild(n.childNode)
		if err != nil {
			return nil, err
		}
		return e.find(child, key[matchLen:])
	case kindBranch:
		if len(key) == 0 {
			if n.value == nil {
				return nil, ErrKeyNotFound
			}
			return n.value, nil
		}
		child, err := e.loadChild(n.children[key[0]])
		if err != nil {
			return nil, err
		}
		return e.find(child, key[1:])
	}
	return nil, ErrKeyNotFound
}
