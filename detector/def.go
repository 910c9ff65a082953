package detector

import (
	"image"
	"image/color"
	"math"

	iface "CsCallerServer/interface"

	"gocv.io/x/gocv"
)

// RedDotDetector 使用 HSV 双区间阈值检测小地图红点，返回最大连通域的质心。
// 两个 hue 区间覆盖红色在 HSV 上的回绕（0 附近与 180 附近）。
// 无帧间状态，相同输入结果确定。
type RedDotDetector struct {
	LowerRed1 gocv.Scalar
	UpperRed1 gocv.Scalar
	LowerRed2 gocv.Scalar
	UpperRed2 gocv.Scalar
	MinArea   float64
}

func NewRedDotDetector() *RedDotDetector {
	return &RedDotDetector{
		LowerRed1: gocv.NewScalar(0, 120, 80, 0),
		UpperRed1: gocv.NewScalar(10, 255, 255, 0),
		LowerRed2: gocv.NewScalar(170, 120, 80, 0),
		UpperRed2: gocv.NewScalar(180, 255, 255, 0),
		MinArea:   8.0,
	}
}

// Detect 返回面积最大的红点质心（四舍五入到整像素），未检出返回 ok=false
func (d *RedDotDetector) Detect(frame gocv.Mat) (iface.Point, bool) {
	if frame.Empty() {
		return iface.Point{}, false
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(frame, &hsv, gocv.ColorBGRToHSV)

	mask1 := gocv.NewMat()
	defer mask1.Close()
	gocv.InRangeWithScalar(hsv, d.LowerRed1, d.UpperRed1, &mask1)

	mask2 := gocv.NewMat()
	defer mask2.Close()
	gocv.InRangeWithScalar(hsv, d.LowerRed2, d.UpperRed2, &mask2)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.BitwiseOr(mask1, mask2, &mask)

	// 3x3 开运算去掉单像素噪点
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(mask, &opened, gocv.MorphOpen, kernel)

	contours := gocv.FindContours(opened, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return iface.Point{}, false
	}

	bestIdx := 0
	bestArea := -1.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > bestArea {
			bestArea = area
			bestIdx = i
		}
	}
	if bestArea < d.MinArea {
		return iface.Point{}, false
	}

	// 只保留最大连通域再取矩，避免其余噪点干扰质心
	single := gocv.NewMatWithSize(opened.Rows(), opened.Cols(), gocv.MatTypeCV8UC1)
	defer single.Close()
	gocv.DrawContours(&single, contours, bestIdx, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)

	m := gocv.Moments(single, true)
	m00 := m["m00"]
	if m00 == 0 {
		return iface.Point{}, false
	}
	cx := int(math.Round(m["m10"] / m00))
	cy := int(math.Round(m["m01"] / m00))
	return iface.Point{X: cx, Y: cy}, true
}
