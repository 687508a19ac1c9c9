// Copyright 2022 The presence Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package socket

import (
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestListenerRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := newRegistry()
	l1 := NewCallback(func(Event) {})
	l2 := NewCallback(func(Event) {})
	l3 := NewCallback(func(Event) {})

	// Case 0: duplicate registration is idempotent
	uut.add("online-users", l1)
	uut.add("online-users", l1)
	uut.add("online-users", l2)
	uut.add(EventConnect, l3)
	assert.Equal(3, uut.count())
	assert.Equal([]Listener{l1, l2}, uut.snapshot("online-users"))

	// Case 1: remove one listener
	uut.remove("online-users", l1)
	assert.False(uut.has("online-users", l1))
	assert.True(uut.has("online-users", l2))

	// Case 2: removing an absent listener is a no-op
	uut.remove("online-users", l3)
	uut.remove("unknown", l3)
	assert.Equal(2, uut.count())

	// Case 3: remove all listeners of an event
	uut.add("online-users", l1)
	uut.remove("online-users")
	assert.Empty(uut.snapshot("online-users"))
	assert.Equal(1, uut.count())

	// Case 4: the snapshot is a copy
	snap := uut.snapshot(EventConnect)
	uut.remove(EventConnect, l3)
	assert.Len(snap, 1)

	// Case 5: clear
	uut.add("a", l1)
	uut.add("b", l2)
	uut.clear()
	assert.Equal(0, uut.count())
}
