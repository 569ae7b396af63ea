package geosplit

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var (
	// ErrNoSplit 切割线没有把几何分成两个以上的部分
	ErrNoSplit = errors.New("切割线未能分割几何")
	// ErrBadGeometry 几何退化或带内环，不支持分割
	ErrBadGeometry = errors.New("不支持的几何")
	// ErrBadCutLine 切割线至少需要两个点
	ErrBadCutLine = errors.New("切割线至少需要两个点")
)

const eps = 1e-9

// crossing 切割线与外环的一个交点
// cutPos与ringPos均为"线段序号+线段内参数"形式的位置
type crossing struct {
	pt      orb.Point
	cutPos  float64
	ringPos float64
}

// SplitPolygon 用切割线分割多边形，返回确定性排序的各部分
// 排序规则：沿外环起点方向先被走到的部分在前，因此parts[0]
// 总是包含原边界起始段的那一块
func SplitPolygon(poly orb.Polygon, cut orb.LineString) ([]orb.Polygon, error) {
	if len(cut) < 2 {
		return nil, ErrBadCutLine
	}
	if len(poly) == 0 || len(poly[0]) < 4 {
		return nil, ErrBadGeometry
	}
	if len(poly) > 1 {
		// 带内环的多边形暂不支持
		return nil, ErrBadGeometry
	}

	first, err := splitOnce(poly, cut)
	if err != nil {
		return nil, err
	}

	var out []orb.Polygon
	var walk func(p orb.Polygon)
	walk = func(p orb.Polygon) {
		// 切割线穿越两次以上时对子块继续分割
		pair, err := splitOnce(p, cut)
		if err != nil {
			out = append(out, p)
			return
		}
		walk(pair[0])
		walk(pair[1])
	}
	walk(first[0])
	walk(first[1])
	return out, nil
}

// LineIntersectsPolygon 判断切割线是否触及多边形（交叉或端点落入内部）
func LineIntersectsPolygon(poly orb.Polygon, cut orb.LineString) bool {
	if len(poly) == 0 || len(poly[0]) < 4 || len(cut) < 2 {
		return false
	}
	ring := poly[0]
	if len(ringCrossings(ring, cut)) > 0 {
		return true
	}
	for _, p := range cut {
		if planar.RingContains(ring, p) {
			return true
		}
	}
	return false
}

// splitOnce 沿切割线做一次二分
func splitOnce(poly orb.Polygon, cut orb.LineString) ([2]orb.Polygon, error) {
	var none [2]orb.Polygon
	ring := poly[0]
	crossings := ringCrossings(ring, cut)
	if len(crossings) < 2 {
		return none, ErrNoSplit
	}

	area0 := math.Abs(planar.Area(ring))
	if area0 < eps {
		return none, ErrBadGeometry
	}

	// 依次尝试切割线上相邻交点对，要求两交点间的切割路径穿过内部
	for i := 0; i+1 < len(crossings); i++ {
		a, b := crossings[i], crossings[i+1]
		mid := pointOnLine(cut, (a.cutPos+b.cutPos)/2)
		if !planar.RingContains(ring, mid) {
			continue
		}

		r1, r2 := buildParts(ring, cut, a, b)
		a1 := math.Abs(planar.Area(r1))
		a2 := math.Abs(planar.Area(r2))
		tol := 1e-6 * math.Max(area0, 1)
		// 面积几乎为零说明切割路径贴着边界滑过，不算有效分割
		if a1 < tol || a2 < tol {
			continue
		}
		if math.Abs(a1+a2-area0) > tol {
			continue
		}

		orient := ring.Orientation()
		if r1.Orientation() != orient {
			r1.Reverse()
		}
		if r2.Orientation() != orient {
			r2.Reverse()
		}
		return [2]orb.Polygon{{r1}, {r2}}, nil
	}
	return none, ErrNoSplit
}

// buildParts 在两个交点处把外环拆成两条链，各自用交点间的
// 切割路径闭合成环。沿边界从起点追踪时先走到的部分排在前，
// 即包含首条边起点的那条链是第一部分
func buildParts(ring orb.Ring, cut orb.LineString, a, b crossing) (orb.Ring, orb.Ring) {
	s, e := a, b
	if s.ringPos > e.ringPos {
		s, e = e, s
	}

	pts1 := ringChain(ring, s.ringPos, e.ringPos)
	pts1 = append(pts1, cutChain(cut, e.cutPos, s.cutPos)...)
	r1 := closeRing(pts1)

	pts2 := ringChain(ring, e.ringPos, s.ringPos)
	pts2 = append(pts2, cutChain(cut, s.cutPos, e.cutPos)...)
	r2 := closeRing(pts2)

	// 环位置0（首条边起点）落在回绕链一侧时，回绕链在前
	if s.ringPos > eps {
		return r2, r1
	}
	return r1, r2
}

// ringCrossings 计算切割线与外环的全部交点，按切割线方向排序
func ringCrossings(ring orb.Ring, cut orb.LineString) []crossing {
	var result []crossing
	for i := 0; i+1 < len(cut); i++ {
		for j := 0; j+1 < len(ring); j++ {
			pt, t, u, ok := segmentIntersection(cut[i], cut[i+1], ring[j], ring[j+1])
			if !ok {
				continue
			}
			c := crossing{pt: pt, cutPos: float64(i) + t, ringPos: float64(j) + u}
			// 同一点可能在共享端点处被相邻线段重复命中，去重
			dup := false
			for k := range result {
				if samePoint(result[k].pt, c.pt) {
					dup = true
					if c.cutPos < result[k].cutPos {
						result[k] = c
					}
					break
				}
			}
			if !dup {
				result = append(result, c)
			}
		}
	}
	sortCrossings(result)
	return result
}

func sortCrossings(cs []crossing) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].cutPos < cs[j-1].cutPos; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

// segmentIntersection 线段求交，t为交点在p段上的参数，u为在q段上的参数
// 平行（含共线）视为不相交，共线重叠段的端点由相邻线段负责捕获
func segmentIntersection(p1, p2, q1, q2 orb.Point) (orb.Point, float64, float64, bool) {
	rx, ry := p2[0]-p1[0], p2[1]-p1[1]
	sx, sy := q2[0]-q1[0], q2[1]-q1[1]
	denom := rx*sy - ry*sx
	if math.Abs(denom) < eps {
		return orb.Point{}, 0, 0, false
	}
	qpx, qpy := q1[0]-p1[0], q1[1]-p1[1]
	t := (qpx*sy - qpy*sx) / denom
	u := (qpx*ry - qpy*rx) / denom
	if t < -eps || t > 1+eps || u < -eps || u > 1+eps {
		return orb.Point{}, 0, 0, false
	}
	t = clamp01(t)
	u = clamp01(u)
	return orb.Point{p1[0] + t*rx, p1[1] + t*ry}, t, u, true
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ringChain 沿环从from走到to（必要时回绕），含两端点
func ringChain(ring orb.Ring, from, to float64) []orb.Point {
	n := len(ring) - 1
	span := to - from
	if span <= eps {
		span += float64(n)
	}
	pts := []orb.Point{pointOnRing(ring, from)}

	off := math.Floor(from) + 1 - from
	idx := (int(math.Floor(from)) + 1) % n
	for off < span-eps {
		pts = appendPoint(pts, ring[idx])
		off++
		idx = (idx + 1) % n
	}
	return appendPoint(pts, pointOnRing(ring, to))
}

// cutChain 切割路径上两位置之间的中间顶点，方向可正可反
func cutChain(cut orb.LineString, from, to float64) []orb.Point {
	var pts []orb.Point
	if from <= to {
		for idx := int(math.Floor(from)) + 1; float64(idx) < to-eps; idx++ {
			if float64(idx) > from+eps {
				pts = append(pts, cut[idx])
			}
		}
	} else {
		for idx := int(math.Ceil(from)) - 1; float64(idx) > to+eps; idx-- {
			if float64(idx) < from-eps {
				pts = append(pts, cut[idx])
			}
		}
	}
	return pts
}

func pointOnRing(ring orb.Ring, pos float64) orb.Point {
	return interpolate(orb.LineString(ring), pos)
}

func pointOnLine(line orb.LineString, pos float64) orb.Point {
	return interpolate(line, pos)
}

func interpolate(line orb.LineString, pos float64) orb.Point {
	if pos <= 0 {
		return line[0]
	}
	last := float64(len(line) - 1)
	if pos >= last {
		return line[len(line)-1]
	}
	i := int(math.Floor(pos))
	frac := pos - float64(i)
	a, b := line[i], line[i+1]
	return orb.Point{a[0] + frac*(b[0]-a[0]), a[1] + frac*(b[1]-a[1])}
}

// appendPoint 追加顶点，跳过与前一个重合的点
func appendPoint(pts []orb.Point, p orb.Point) []orb.Point {
	if len(pts) > 0 && samePoint(pts[len(pts)-1], p) {
		return pts
	}
	return append(pts, p)
}

func closeRing(pts []orb.Point) orb.Ring {
	if len(pts) > 0 && !samePoint(pts[0], pts[len(pts)-1]) {
		pts = append(pts, pts[0])
	}
	return orb.Ring(pts)
}

func samePoint(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) < eps && math.Abs(a[1]-b[1]) < eps
}
