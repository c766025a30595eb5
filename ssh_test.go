package axidma

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufWriter struct {
	bytes.Buffer
}

func (b *bufWriter) WriteLine(s string) error { return b.Write(s + "\n") }
func (b *bufWriter) Write(s string) error {
	_, err := b.Buffer.WriteString(s)
	return err
}
func (b *bufWriter) WriteBytes(p []byte) error {
	_, err := b.Buffer.Write(p)
	return err
}
func (b *bufWriter) Printf(format string, a ...any) error { return b.Write(fmt.Sprintf(format, a...)) }
func (b *bufWriter) GetWriter() io.Writer                 { return &b.Buffer }

func TestSSHCommands(t *testing.T) {
	ctrl := startControl(t, simConfig)
	ctrl.Start()
	require.NoError(t, waitDone(t, ctrl))

	w := &bufWriter{}
	fl, fs := jsonFlags()
	require.NoError(t, fl.Parse([]string{"-json"}))
	require.NoError(t, sshListSessions(ctrl, fs, w))

	var reports []SessionReport
	require.NoError(t, json.Unmarshal(w.Bytes(), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, "loopback", reports[0].Channel)
	assert.Equal(t, 16, reports[0].Cycles)
	assert.Equal(t, "adc", reports[1].Channel)

	w.Reset()
	fl, fs = jsonFlags()
	require.NoError(t, fl.Parse(nil))
	require.NoError(t, sshListChannels(ctrl, fs, w))
	assert.Contains(t, w.String(), "loopback: ")
	assert.Contains(t, w.String(), "adc: ")

	w.Reset()
	require.NoError(t, sshStopChannel(ctrl, nil, w))
	assert.Equal(t, "No channel name was provided\n", w.String())

	w.Reset()
	require.NoError(t, sshStopChannel(ctrl, []string{"nope"}, w))
	assert.Equal(t, "Could not find channel nope\n", w.String())

	w.Reset()
	require.NoError(t, sshStopChannel(ctrl, []string{"adc"}, w))
	assert.Equal(t, "Stopped adc\n", w.String())

	w.Reset()
	require.NoError(t, sshVersion(ctrl, "test", w))
	assert.Contains(t, w.String(), "test (controller: 0x")
}
