package matcher

import "math"

// solveAssignment returns, for each row of the square cost matrix, the column
// it is matched to so that the total cost is minimal (Kuhn-Munkres with
// potentials, O(n^3)).
func solveAssignment(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	inf := math.Inf(1)

	// 1-based potentials; column 0 is a virtual column used to seed each row.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	match := make([]int, n+1) // match[col] = row
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for row := 1; row <= n; row++ {
		match[0] = row
		col0 := 0
		for j := range minv {
			minv[j] = inf
			used[j] = false
		}
		for {
			used[col0] = true
			row0 := match[col0]
			delta := inf
			col1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost[row0-1][j-1] - u[row0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = col0
				}
				if minv[j] < delta {
					delta = minv[j]
					col1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[match[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			col0 = col1
			if match[col0] == 0 {
				break
			}
		}
		for col0 != 0 {
			col1 := way[col0]
			match[col0] = match[col1]
			col0 = col1
		}
	}

	rowToCol := make([]int, n)
	for j := 1; j <= n; j++ {
		if match[j] != 0 {
			rowToCol[match[j]-1] = j - 1
		}
	}
	return rowToCol
}

// padSquare copies cost into an n x n matrix filled with filler.
func padSquare(cost [][]float64, rows, cols int, filler float64) [][]float64 {
	n := max(rows, cols)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			if i < rows && j < cols {
				out[i][j] = cost[i][j]
			} else {
				out[i][j] = filler
			}
		}
	}
	return out
}
