package vm

import "defs"
import "mem"
import "util"

// Copies between kernel buffers and a simulated address space translate
// page by page through the physical frame windows; this is the model's
// equivalent of the temporary mapping window the hardware kernel uses.

/// Vread copies len(dst) bytes from va in pd into dst.
func (vmx *Vmctx_t) Vread(pd Pd_t, va mem.Va_t, dst []uint8) defs.Err_t {
	vmx.Lock()
	defer vmx.Unlock()
	for len(dst) > 0 {
		pa, ok := vmx.translate(pd, va)
		if !ok {
			return defs.ERR_INVALID_PTR
		}
		n := util.Min(uint32(len(dst)), mem.PGSIZE-uint32(va)&mem.PGOFFSET)
		copy(dst[:n], vmx.Phys.Bytes(pa, n))
		dst = dst[n:]
		va += mem.Va_t(n)
	}
	return defs.ERR_NONE
}

/// Vwrite copies src to va in pd.
func (vmx *Vmctx_t) Vwrite(pd Pd_t, va mem.Va_t, src []uint8) defs.Err_t {
	vmx.Lock()
	defer vmx.Unlock()
	for len(src) > 0 {
		pa, ok := vmx.translate(pd, va)
		if !ok {
			return defs.ERR_INVALID_PTR
		}
		n := util.Min(uint32(len(src)), mem.PGSIZE-uint32(va)&mem.PGOFFSET)
		copy(vmx.Phys.Bytes(pa, n), src[:n])
		src = src[n:]
		va += mem.Va_t(n)
	}
	return defs.ERR_NONE
}

/// Vreadn reads an n byte little-endian value at va.
func (vmx *Vmctx_t) Vreadn(pd Pd_t, va mem.Va_t, n int) (uint32, defs.Err_t) {
	var buf [4]uint8
	if n > 4 {
		panic("large n")
	}
	if err := vmx.Vread(pd, va, buf[:n]); err != 0 {
		return 0, err
	}
	return util.Readn(buf[:n], n, 0), defs.ERR_NONE
}

/// Vwriten writes val as an n byte little-endian value at va.
func (vmx *Vmctx_t) Vwriten(pd Pd_t, va mem.Va_t, n int, val uint32) defs.Err_t {
	var buf [4]uint8
	if n > 4 {
		panic("large n")
	}
	util.Writen(buf[:n], n, 0, val)
	return vmx.Vwrite(pd, va, buf[:n])
}

/// Vreadstr copies a NUL terminated string from va, up to lenmax bytes.
func (vmx *Vmctx_t) Vreadstr(pd Pd_t, va mem.Va_t, lenmax int) (string, defs.Err_t) {
	var s []uint8
	var buf [1]uint8
	for len(s) < lenmax {
		if err := vmx.Vread(pd, va, buf[:]); err != 0 {
			return "", err
		}
		if buf[0] == 0 {
			return string(s), defs.ERR_NONE
		}
		s = append(s, buf[0])
		va++
	}
	return "", defs.ERR_FILE_OUT
}
