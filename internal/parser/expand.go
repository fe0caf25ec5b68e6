package parser

import (
	"sort"

	"github.com/devicelab/conductor/pkg/types"
)

// expansion describes how one deploy/boot/test method unfolds into concrete
// pipeline steps, and which context keys the expanded action publishes for
// later actions to consume.
type expansion struct {
	steps   []string
	outputs []string
}

// methodRegistry maps action kind and declared method to its canonical
// expansion. Keeping this a flat registry keeps the supported set explicit;
// an unknown method is rejected at parse time, never at run time.
var methodRegistry = map[types.ActionKind]map[string]expansion{
	types.ActionKindDeploy: {
		"tftp": {
			steps:   []string{"download", "checksum", "stage-tftp"},
			outputs: []string{"kernel", "ramdisk", "dtb", "NFS_SERVER_IP", "NFS_ROOTFS"},
		},
		"image": {
			steps:   []string{"download", "checksum", "write-image"},
			outputs: []string{"image", "image_checksum"},
		},
		"nfs": {
			steps:   []string{"download", "checksum", "extract-rootfs"},
			outputs: []string{"NFS_SERVER_IP", "NFS_ROOTFS"},
		},
		"usb": {
			steps:   []string{"download", "checksum", "write-usb"},
			outputs: []string{"image"},
		},
	},
	types.ActionKindBoot: {
		"qemu": {
			steps: []string{"connect", "power-on", "auto-login", "wait-for-prompt"},
		},
		"qemu-nfs": {
			steps: []string{"connect", "power-on", "auto-login", "wait-for-prompt"},
		},
		"u-boot": {
			steps: []string{"connect", "power-on", "bootloader-commands", "auto-login", "wait-for-prompt"},
		},
		"fastboot": {
			steps: []string{"connect", "flash", "power-on", "wait-for-prompt"},
		},
		"minimal": {
			steps: []string{"connect", "power-on", "wait-for-prompt"},
		},
	},
	types.ActionKindTest: {
		"shell": {
			steps: []string{"run-tests"},
		},
		"monitor": {
			steps: []string{"monitor-output"},
		},
	},
	types.ActionKindFinalize: {
		"power-off": {
			steps: []string{"power-off", "release-connection"},
		},
	},
}

// defaultMethods supplies the method when a submission omits one.
var defaultMethods = map[types.ActionKind]string{
	types.ActionKindDeploy:   "image",
	types.ActionKindBoot:     "minimal",
	types.ActionKindTest:     "shell",
	types.ActionKindFinalize: "power-off",
}

// expand resolves a top-level action into its concrete sub-action sequence.
// The parent keeps its kind and declared parameters; each child is one step
// named parent-step, inheriting parameters by reference at execution time.
func expand(a *types.Action) error {
	method := a.Method
	if method == "" {
		method = defaultMethods[a.Kind]
		a.Method = method
	}
	methods, ok := methodRegistry[a.Kind]
	if !ok {
		return &MalformedJobError{Field: a.Name, Reason: "unknown action kind " + string(a.Kind)}
	}
	exp, ok := methods[method]
	if !ok {
		return &UnsupportedMethodError{
			Kind:      string(a.Kind),
			Method:    method,
			Supported: SupportedMethods(a.Kind),
		}
	}

	a.Outputs = append([]string(nil), exp.outputs...)
	a.Children = make([]types.Action, 0, len(exp.steps))
	for _, step := range exp.steps {
		a.Children = append(a.Children, types.Action{
			Name:      a.Name + "-" + step,
			Kind:      a.Kind,
			Method:    method,
			AlwaysRun: a.AlwaysRun,
			Parameters: map[string]string{
				"step": step,
			},
		})
	}
	return nil
}

// SupportedMethods lists the registered methods for an action kind, for
// diagnostics and the submission API.
func SupportedMethods(kind types.ActionKind) []string {
	methods := methodRegistry[kind]
	out := make([]string, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
