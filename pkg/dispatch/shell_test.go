package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellAllowList_SimplePatterns(t *testing.T) {
	al := NewShellAllowList(nil)

	cases := []string{
		"am start -a android.intent.action.MAIN -c android.intent.category.LAUNCHER -n com.example/.MainActivity",
		"pm list packages -3",
		"settings get secure location_mode",
		"settings put global airplane_mode_on 1",
		"input keyevent 26",
		"input tap 100 200",
		"svc wifi enable",
		"cmd jobscheduler run -f com.example.app 1",
	}
	for _, c := range cases {
		assert.NoError(t, al.Validate(c), c)
	}
}

func TestShellAllowList_RejectsUnknownShape(t *testing.T) {
	al := NewShellAllowList(nil)
	err := al.Validate("rm -rf /data")
	assert.Error(t, err)
}

func TestShellAllowList_RejectsMetacharacters(t *testing.T) {
	al := NewShellAllowList(nil)
	err := al.Validate("pm list packages; rm -rf /")
	assert.Error(t, err)
}

func TestShellAllowList_PmDisableUser_RequiresBloatwareMembership(t *testing.T) {
	al := NewShellAllowList([]string{"com.bloat.app"})

	assert.NoError(t, al.Validate("pm disable-user --user 0 com.bloat.app"))
	assert.Error(t, al.Validate("pm disable-user --user 0 com.not.allowed"))
}

func TestShellAllowList_Getprop_FixedKeysOnly(t *testing.T) {
	al := NewShellAllowList(nil)

	assert.NoError(t, al.Validate("getprop ro.product.model"))
	assert.Error(t, al.Validate("getprop ro.secure"))
}

func TestShellAllowList_ChainedCommandsAllValidate(t *testing.T) {
	al := NewShellAllowList([]string{"com.bloat.app"})

	assert.NoError(t, al.Validate("pm disable-user --user 0 com.bloat.app && getprop ro.product.model"))
	assert.Error(t, al.Validate("pm disable-user --user 0 com.bloat.app && rm -rf /"))
}

func TestShellAllowList_EmptySubcommandInChain(t *testing.T) {
	al := NewShellAllowList(nil)
	err := al.Validate("getprop ro.product.model &&")
	assert.Error(t, err)
}

func TestValidateBatchBloatwareScript(t *testing.T) {
	al := NewShellAllowList([]string{"com.bloat.one", "com.bloat.two"})

	assert.NoError(t, al.ValidateBatchBloatwareScript([]string{"com.bloat.one", "com.bloat.two"}))
	assert.Error(t, al.ValidateBatchBloatwareScript([]string{"com.bloat.one", "com.not.allowed"}))
	assert.Error(t, al.ValidateBatchBloatwareScript(nil))
}
