package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wlantb/wtb/pkg/sshutil/sshtest"
)

func TestParseDistribID(t *testing.T) {
	tests := []struct {
		name    string
		release string
		want    OSKind
	}{
		{
			name:    "nixos",
			release: "DISTRIB_ID=nixos\nDISTRIB_RELEASE=\"24.05\"\n",
			want:    OSNixOS,
		},
		{
			name:    "ubuntu",
			release: "DISTRIB_ID=Ubuntu\nDISTRIB_RELEASE=22.04\nDISTRIB_CODENAME=jammy\n",
			want:    OSUbuntu,
		},
		{
			name:    "case insensitive key",
			release: "distrib_id=Ubuntu\n",
			want:    OSUbuntu,
		},
		{
			name:    "key with surrounding whitespace",
			release: "  DISTRIB_ID = Ubuntu\n",
			want:    OSUbuntu,
		},
		{
			name:    "unknown distribution",
			release: "DISTRIB_ID=Gentoo\n",
			want:    OtherOS("Gentoo"),
		},
		{
			name:    "no DISTRIB_ID field",
			release: "NAME=\"Debian GNU/Linux\"\nID=debian\n",
			want:    OtherOS(""),
		},
		{
			name:    "empty output",
			release: "",
			want:    OtherOS(""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseDistribID(tt.release))
		})
	}
}

func TestProbeOS(t *testing.T) {
	client := sshtest.NewMockClient("ap")
	client.Handle(`cat /etc/\*-release`, sshtest.Response{
		Stdout: []byte("DISTRIB_ID=Ubuntu\n"),
	})

	os, err := probeOS(client)
	require.NoError(t, err)
	assert.True(t, os.IsUbuntu())
	assert.Equal(t, "Ubuntu", os.String())
}

func TestOSKindString(t *testing.T) {
	assert.Equal(t, "NixOS", OSNixOS.String())
	assert.Equal(t, "Ubuntu", OSUbuntu.String())
	assert.Equal(t, "Other OS", OtherOS("").String())
	assert.Equal(t, "Other OS (Arch)", OtherOS("Arch").String())
}
