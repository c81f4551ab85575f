package vhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureEntry(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		changed bool
	}{
		{
			name:    "appends when absent",
			in:      "127.0.0.1\tlocalhost\n",
			want:    "127.0.0.1\tlocalhost\n127.0.0.1 myapp.test\n",
			changed: true,
		},
		{
			name:    "empty file",
			in:      "",
			want:    "127.0.0.1 myapp.test\n",
			changed: true,
		},
		{
			name:    "adds missing trailing newline",
			in:      "127.0.0.1 localhost",
			want:    "127.0.0.1 localhost\n127.0.0.1 myapp.test\n",
			changed: true,
		},
		{
			name: "already present",
			in:   "127.0.0.1\tlocalhost\n127.0.0.1   myapp.test  # dev\n",
			want: "127.0.0.1\tlocalhost\n127.0.0.1   myapp.test  # dev\n",
		},
		{
			name: "present among other names",
			in:   "127.0.0.1 localhost myapp.test\n",
			want: "127.0.0.1 localhost myapp.test\n",
		},
		{
			name:    "wrong address corrected in place",
			in:      "127.0.0.1 localhost\n10.0.0.5 myapp.test\n# end\n",
			want:    "127.0.0.1 localhost\n127.0.0.1 myapp.test\n# end\n",
			changed: true,
		},
		{
			name:    "wrong address on shared line",
			in:      "10.0.0.5 api.test myapp.test\n",
			want:    "10.0.0.5 api.test\n127.0.0.1 myapp.test\n",
			changed: true,
		},
		{
			name:    "duplicates dropped",
			in:      "127.0.0.1 myapp.test\n127.0.0.1 myapp.test\n",
			want:    "127.0.0.1 myapp.test\n",
			changed: true,
		},
		{
			name: "ipv6 mapping left alone",
			in:   "::1 myapp.test\n127.0.0.1 myapp.test\n",
			want: "::1 myapp.test\n127.0.0.1 myapp.test\n",
		},
		{
			name:    "commented entry does not count",
			in:      "# 127.0.0.1 myapp.test\n",
			want:    "# 127.0.0.1 myapp.test\n127.0.0.1 myapp.test\n",
			changed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := EnsureEntry([]byte(tt.in), LoopbackIP, "myapp.test")
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, tt.changed, changed)

			again, changedAgain := EnsureEntry(got, LoopbackIP, "myapp.test")
			assert.False(t, changedAgain, "second ensure must be a no-op")
			assert.Equal(t, string(got), string(again))
		})
	}
}

func TestRemoveEntry(t *testing.T) {
	in := "127.0.0.1 localhost\n127.0.0.1 myapp.test\n10.0.0.1 api.test myapp.test\n"

	got, changed := RemoveEntry([]byte(in), "myapp.test")
	assert.True(t, changed)
	assert.Equal(t, "127.0.0.1 localhost\n10.0.0.1 api.test\n", string(got))

	_, changed = RemoveEntry(got, "myapp.test")
	assert.False(t, changed)
}

func TestLookup(t *testing.T) {
	content := []byte("127.0.0.1 localhost\n10.0.0.5 myapp.test\n::1 myapp.test\n# 1.2.3.4 myapp.test\n")

	assert.Equal(t, []string{"10.0.0.5", "::1"}, Lookup(content, "myapp.test"))
	assert.Empty(t, Lookup(content, "other.test"))
}
