package frontier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeetPicksSlowestReplica(t *testing.T) {
	var a = Single[Mztime](7)
	var b = Single[Mztime](5)

	assert.True(t, Meet(a, b).Equal(Single[Mztime](5)))
	assert.True(t, Meet(b, a).Equal(Single[Mztime](5)))
}

func TestJoinAdvancesMonotonically(t *testing.T) {
	var since = Single[Mztime](3)
	var next = Single[Mztime](3)

	// Absorbing the same since twice is idempotent.
	assert.True(t, Join(since, next).Equal(Single[Mztime](3)))

	next = Single[Mztime](6)
	since = Join(since, next)
	assert.True(t, since.Equal(Single[Mztime](6)))

	// Joining backward never regresses the recorded since.
	since = Join(since, Single[Mztime](1))
	assert.True(t, since.Equal(Single[Mztime](6)))
}

func TestEmptyFrontierIsClosed(t *testing.T) {
	var f Frontier[Mztime]
	assert.True(t, f.IsEmpty())
	assert.False(t, f.LessEqual(Mztime(100)))
}

func TestEncodeRoundTrip(t *testing.T) {
	var want = Mztime(123456789)
	assert.Equal(t, want, DecodeMztime(want.Encode()))
}
