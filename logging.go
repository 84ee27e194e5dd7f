// Structured logging helpers for the kernel hot paths.
//
// The kernel logs through a type-erased logiface logger so that any
// backend can be attached; a nil logger short-circuits before any
// field is built. Context switch tracing sits on the hottest path and
// is emitted at trace level.

package neon

func (k *Kernel) traceSwitch(out, in *Thread) {
	if k.log == nil {
		return
	}
	k.log.Trace().
		Str(`out`, out.name).
		Str(`in`, in.name).
		Int(`out_prio`, int(out.prio)).
		Int(`in_prio`, int(in.prio)).
		Log(`context switch`)
}

func (k *Kernel) debugThread(msg string, t *Thread) {
	if k.log == nil {
		return
	}
	k.log.Debug().
		Str(`thread`, t.name).
		Int(`prio`, int(t.prio)).
		Log(msg)
}
