// Package wasmdebug formats the module/function names used in trap and log
// output, rendering an unresolved or anonymous name as a positional
// placeholder rather than an empty string.
package wasmdebug

import "strconv"

// FuncName renders "moduleName.funcName" for debug/log output, always
// keeping the "." separator even when moduleName is empty (giving e.g.
// ".$0"), so the shape of the string alone tells a log reader whether a
// module name was available. If funcName is empty, it falls back to
// "$funcIdx" (an anonymous function identified only by its index).
func FuncName(moduleName, funcName string, funcIdx uint32) string {
	if funcName == "" {
		funcName = "$" + strconv.FormatUint(uint64(funcIdx), 10)
	}
	return moduleName + "." + funcName
}
