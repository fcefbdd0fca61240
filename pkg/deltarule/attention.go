package deltarule

// materializeAttention stitches the per-chunk local score blocks into the
// diagonal of the full attention matrix. It must run after the cross-chunk
// scan: the scan's overlap phase stores masked (all-zero) rows over diagonal
// blocks, and this pass restores the real intra-chunk scores on top. Pure
// copy, off the performance path.
func (st *headState) materializeAttention() {
	blockS := st.launch.BlockS
	for s := 0; s < st.t; s += blockS {
		e := min(s+blockS, st.t)
		n := e - s
		local := st.local.Rows(s, e)
		attn := st.attn.Rows(s, e)
		for i := 0; i < n; i++ {
			copy(attn.Row(i)[s:e], local.Row(i)[:n])
		}
	}
}
