package icache

import "github.com/kodeware/xv6fs/ondisk"

// HomeBlock returns the absolute block number holding this inode's own
// on-disk record.
func (in *Inode) HomeBlock() uint32 {
	return ondisk.IBlock(in.Inum, in.c.sb)
}

// Blocks returns every data block address (direct, single-indirect content
// and pointer block, double-indirect content and both levels of pointer
// blocks) currently occupied by a locked inode's content. It allocates
// nothing; used by diagnostic tools to compute reachability, not by normal
// read/write paths.
func (g *Guard) Blocks() []uint32 {
	d := g.disk()
	var out []uint32

	for i := uint32(0); i < ondisk.NDirect; i++ {
		if d.Addrs[i] != 0 {
			out = append(out, d.Addrs[i])
		}
	}

	if bno := d.Addrs[ondisk.NDirect]; bno != 0 {
		out = append(out, bno)
		out = append(out, g.indirectBlocks(bno)...)
	}

	if bno := d.Addrs[ondisk.NDirect+1]; bno != 0 {
		out = append(out, bno)
		outerBuf, err := g.in.c.blocks.Get(g.in.dev, bno)
		if err == nil {
			for i := uint32(0); i < ondisk.NIndirect; i++ {
				inner := readIndirectEntry(outerBuf.Data(), i)
				if inner != 0 {
					out = append(out, inner)
					out = append(out, g.indirectBlocks(inner)...)
				}
			}
			g.in.c.blocks.Release(outerBuf)
		}
	}

	return out
}

func (g *Guard) indirectBlocks(bno uint32) []uint32 {
	var out []uint32
	buf, err := g.in.c.blocks.Get(g.in.dev, bno)
	if err != nil {
		return nil
	}
	for i := uint32(0); i < ondisk.NIndirect; i++ {
		addr := readIndirectEntry(buf.Data(), i)
		if addr != 0 {
			out = append(out, addr)
		}
	}
	g.in.c.blocks.Release(buf)
	return out
}
