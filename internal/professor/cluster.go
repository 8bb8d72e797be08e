package professor

import "math"

// CosineSimilarity computes the cosine similarity between two embedding
// vectors. Returns 0.0 for empty, mismatched, or zero-magnitude inputs.
func CosineSimilarity(vec1, vec2 []float32) float64 {
	if len(vec1) == 0 || len(vec1) != len(vec2) {
		return 0.0
	}

	var dot, mag1, mag2 float64
	for i := 0; i < len(vec1); i++ {
		v1 := float64(vec1[i])
		v2 := float64(vec2[i])
		dot += v1 * v2
		mag1 += v1 * v1
		mag2 += v2 * v2
	}
	if mag1 == 0.0 || mag2 == 0.0 {
		return 0.0
	}
	return dot / (math.Sqrt(mag1) * math.Sqrt(mag2))
}

// unionFind tracks connected components with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// clusterByThreshold groups vectors into single-linkage components: any
// pair with similarity at or above the threshold joins the same cluster.
// Returns clusters as index lists; singletons are included.
func clusterByThreshold(vectors [][]float32, threshold float64) [][]int {
	n := len(vectors)
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if CosineSimilarity(vectors[i], vectors[j]) >= threshold {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], i)
	}

	clusters := make([][]int, 0, len(byRoot))
	for i := 0; i < n; i++ {
		if members, ok := byRoot[i]; ok && members[0] == i {
			clusters = append(clusters, members)
		}
	}
	return clusters
}
