package render

// Placement is where the frame quad lands inside the viewport, in pixels.
type Placement struct {
	X, Y  float64
	W, H  float64
	Scale float64
}

// Fit scales an image of imgW x imgH to fit a viewW x viewH viewport while
// preserving aspect ratio, centered on the free axis.
func Fit(viewW, viewH, imgW, imgH int) Placement {
	if viewW <= 0 || viewH <= 0 || imgW <= 0 || imgH <= 0 {
		return Placement{}
	}
	scaleX := float64(viewW) / float64(imgW)
	scaleY := float64(viewH) / float64(imgH)
	scale := scaleX
	if scaleY < scaleX {
		scale = scaleY
	}
	w := float64(imgW) * scale
	h := float64(imgH) * scale
	return Placement{
		X:     (float64(viewW) - w) / 2,
		Y:     (float64(viewH) - h) / 2,
		W:     w,
		H:     h,
		Scale: scale,
	}
}

// Matrix is a column-major 4x4 matrix, laid out the way shader uniforms
// expect it.
type Matrix [16]float32

// IdentityMatrix returns the identity.
func IdentityMatrix() Matrix {
	return Matrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Ortho returns an orthographic projection.
func Ortho(left, right, bottom, top, near, far float32) Matrix {
	m := Matrix{}
	m[0] = 2 / (right - left)
	m[5] = 2 / (top - bottom)
	m[10] = -2 / (far - near)
	m[12] = -(right + left) / (right - left)
	m[13] = -(top + bottom) / (top - bottom)
	m[14] = -(far + near) / (far - near)
	m[15] = 1
	return m
}

// TranslateMatrix returns a translation by (x, y).
func TranslateMatrix(x, y float32) Matrix {
	m := IdentityMatrix()
	m[12] = x
	m[13] = y
	return m
}

// ScaleMatrix returns a scale by (x, y).
func ScaleMatrix(x, y float32) Matrix {
	m := IdentityMatrix()
	m[0] = x
	m[5] = y
	return m
}

// Mul returns a * b.
func (a Matrix) Mul(b Matrix) Matrix {
	var r Matrix
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			r[col*4+row] = sum
		}
	}
	return r
}

// Apply transforms the point (x, y, 0, 1) and returns the projected x and y.
func (a Matrix) Apply(x, y float32) (float32, float32) {
	tx := a[0]*x + a[4]*y + a[12]
	ty := a[1]*x + a[5]*y + a[13]
	tw := a[3]*x + a[7]*y + a[15]
	if tw != 0 && tw != 1 {
		tx /= tw
		ty /= tw
	}
	return tx, ty
}

// QuadTransform builds projection * view * model for the unit quad
// [0,1]x[0,1]. The projection maps viewport pixels, y down, to clip space.
func QuadTransform(viewW, viewH int, p Placement) Matrix {
	projection := Ortho(0, float32(viewW), float32(viewH), 0, -1, 1)
	view := IdentityMatrix()
	model := TranslateMatrix(float32(p.X), float32(p.Y)).Mul(ScaleMatrix(float32(p.W), float32(p.H)))
	return projection.Mul(view).Mul(model)
}

// ToViewport maps clip-space coordinates back to viewport pixels.
func ToViewport(viewW, viewH int, ndcX, ndcY float32) (float64, float64) {
	px := (float64(ndcX) + 1) / 2 * float64(viewW)
	py := (1 - float64(ndcY)) / 2 * float64(viewH)
	return px, py
}
