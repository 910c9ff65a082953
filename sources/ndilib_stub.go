//go:build !windows

package sources

import (
	iface "CsCallerServer/interface"
)

// NewRuntimeBackend 非 Windows 平台当前没有 NDI 运行库适配器。
// mock / capture 模式不受影响。
func NewRuntimeBackend() (iface.StreamBackend, error) {
	return nil, &iface.ConnectError{
		Reason: "NDI runtime backend is only available on windows builds",
	}
}
