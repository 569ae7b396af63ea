package services

import (
	"path/filepath"
	"testing"

	"github.com/holistech/QGIS/geosplit"
	"github.com/holistech/QGIS/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	diagonalCut     = orb.LineString{{-1, -1}, {4, 4}}
	antiDiagonalCut = orb.LineString{{-1, 4}, {4, -1}}
	horizontalCut   = orb.LineString{{-1, 2}, {4, 2}}
)

// newTestLayer 建一个带分割元数据字段的面图层，内含一个方形要素
// 字段布局与governing场景一致：name、predecessors、operation_type、operation_date
func newTestLayer(t *testing.T) (*VectorLayer, *gorm.DB) {
	t.Helper()
	db, err := models.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.LayerSetting{LayerName: "test_pg", GeometryType: "Polygon", Srid: 4326}).Error)
	fields := []models.LayerField{
		{LayerName: "test_pg", FieldIndex: 1, Name: "name", Type: "string"},
		{LayerName: "test_pg", FieldIndex: 2, Name: "predecessors", Type: "integer"},
		{LayerName: "test_pg", FieldIndex: 3, Name: "operation_type", Type: "integer"},
		{LayerName: "test_pg", FieldIndex: 4, Name: "operation_date", Type: "string"},
	}
	for i := range fields {
		require.NoError(t, db.Create(&fields[i]).Error)
	}

	square := orb.Polygon{orb.Ring{{0, 0}, {3, 0}, {3, 3}, {0, 3}, {0, 0}}}
	row, err := models.FeatureToRow("test_pg", &models.Feature{
		Geometry:   square,
		Attributes: map[string]interface{}{"name": "polygon"},
	})
	require.NoError(t, err)
	require.NoError(t, db.Create(row).Error)
	require.EqualValues(t, 1, row.ID)

	layer, err := OpenLayer(db, "test_pg")
	require.NoError(t, err)
	return layer, db
}

func applyDefaultValues(t *testing.T, layer *VectorLayer) {
	t.Helper()
	require.NoError(t, layer.SetDefaultValueDefinition(2, models.DefaultValueDefinition{
		Expression:    "sm_operation_type == 1 ? sm_predecessor_ids : predecessors",
		ApplyOnUpdate: true,
	}))
	require.NoError(t, layer.SetDefaultValueDefinition(3, models.DefaultValueDefinition{
		Expression:    "sm_operation_type == 1 ? sm_operation_type : operation_type",
		ApplyOnUpdate: true,
	}))
	require.NoError(t, layer.SetDefaultValueDefinition(4, models.DefaultValueDefinition{
		Expression:    "sm_operation_type == 1 ? sm_operation_date : operation_date",
		ApplyOnUpdate: true,
	}))
}

func attrInt(t *testing.T, f *models.Feature, name string) int64 {
	t.Helper()
	v, ok := asFloat(f.Attributes[name])
	require.True(t, ok, "attribute %s not numeric: %v", name, f.Attributes[name])
	return int64(v)
}

func mustFeature(t *testing.T, layer *VectorLayer, id int64) *models.Feature {
	t.Helper()
	f, err := layer.GetFeature(id)
	require.NoError(t, err)
	return f
}

func mustSplit(t *testing.T, layer *VectorLayer, cut orb.LineString) *SplitResult {
	t.Helper()
	result, err := layer.SplitFeatures(cut, SplitOptions{})
	require.NoError(t, err)
	require.Equal(t, SplitSuccess, result.Status)
	return result
}

func TestSplitPolygonWithDefaultValues(t *testing.T) {
	layer, _ := newTestLayer(t)
	applyDefaultValues(t, layer)

	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)
	require.NoError(t, layer.CommitChanges())

	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	f2 := mustFeature(t, layer, 2)
	assert.EqualValues(t, 1, attrInt(t, f2, "predecessors"))
	assert.EqualValues(t, OperationSplit, attrInt(t, f2, "operation_type"))
	assert.NotEmpty(t, f2.Attributes["operation_date"])

	// 原要素的字段配置了ApplyOnUpdate，同样被分割上下文刷新
	f1 := mustFeature(t, layer, 1)
	assert.EqualValues(t, 1, attrInt(t, f1, "predecessors"))
	assert.EqualValues(t, OperationSplit, attrInt(t, f1, "operation_type"))
	assert.NotEmpty(t, f1.Attributes["operation_date"])
}

func TestSplitPolygonWithoutDefaultValues(t *testing.T) {
	layer, _ := newTestLayer(t)

	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)
	require.NoError(t, layer.CommitChanges())

	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// 没有默认值定义时属性原样复制，没有任何溯源字段被填充
	f2 := mustFeature(t, layer, 2)
	assert.Equal(t, "polygon", f2.Attributes["name"])
	assert.Nil(t, f2.Attributes["predecessors"])
	assert.Nil(t, f2.Attributes["operation_type"])
	assert.Nil(t, f2.Attributes["operation_date"])
}

func TestMultiRoundCommittedSplits(t *testing.T) {
	layer, _ := newTestLayer(t)
	applyDefaultValues(t, layer)

	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)
	require.NoError(t, layer.CommitChanges())
	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	assert.EqualValues(t, 1, attrInt(t, mustFeature(t, layer, 2), "predecessors"))

	_, err = layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, antiDiagonalCut)
	require.NoError(t, layer.CommitChanges())
	count, err = layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)

	// 第2轮按ID升序处理候选：1号先分出3号，2号再分出4号
	assert.EqualValues(t, 1, attrInt(t, mustFeature(t, layer, 3), "predecessors"))
	assert.EqualValues(t, 2, attrInt(t, mustFeature(t, layer, 4), "predecessors"))

	_, err = layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, horizontalCut)
	require.NoError(t, layer.CommitChanges())
	count, err = layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 7, count)

	// 第3轮1号未被切到，2、3、4号各分出一个子要素
	assert.EqualValues(t, 2, attrInt(t, mustFeature(t, layer, 5), "predecessors"))
	assert.EqualValues(t, 3, attrInt(t, mustFeature(t, layer, 6), "predecessors"))
	assert.EqualValues(t, 4, attrInt(t, mustFeature(t, layer, 7), "predecessors"))

	for id := int64(1); id <= 7; id++ {
		f := mustFeature(t, layer, id)
		assert.EqualValues(t, OperationSplit, attrInt(t, f, "operation_type"), "feature %d", id)
		assert.NotEmpty(t, f.Attributes["operation_date"], "feature %d", id)
	}
}

func TestMultiRoundCommittedSplitsOverwriteOnUpdate(t *testing.T) {
	layer, _ := newTestLayer(t)
	applyDefaultValues(t, layer)

	for _, cut := range []orb.LineString{diagonalCut, antiDiagonalCut, horizontalCut} {
		_, err := layer.StartEditing()
		require.NoError(t, err)
		mustSplit(t, layer, cut)
		require.NoError(t, layer.CommitChanges())
	}

	// 第3轮里2、3、4号又被当作分割原要素更新，ApplyOnUpdate
	// 的表达式把它们的前驱改写成自身
	assert.EqualValues(t, 2, attrInt(t, mustFeature(t, layer, 2), "predecessors"))
	assert.EqualValues(t, 3, attrInt(t, mustFeature(t, layer, 3), "predecessors"))
	assert.EqualValues(t, 4, attrInt(t, mustFeature(t, layer, 4), "predecessors"))
	// 1号在第3轮没有被切到，保留第2轮的值
	assert.EqualValues(t, 1, attrInt(t, mustFeature(t, layer, 1), "predecessors"))
}

func TestSplitsInOneSessionProduceNegativePredecessors(t *testing.T) {
	layer, _ := newTestLayer(t)
	applyDefaultValues(t, layer)

	_, err := layer.StartEditing()
	require.NoError(t, err)

	mustSplit(t, layer, diagonalCut)
	mustSplit(t, layer, antiDiagonalCut)

	// 未提交的父要素还是临时负ID，子要素的前驱跟着为负
	f := mustFeature(t, layer, -3)
	assert.EqualValues(t, -2, attrInt(t, f, "predecessors"))
	f = mustFeature(t, layer, -4)
	assert.EqualValues(t, 1, attrInt(t, f, "predecessors"))

	mustSplit(t, layer, horizontalCut)

	assert.EqualValues(t, -4, attrInt(t, mustFeature(t, layer, -5), "predecessors"))
	assert.EqualValues(t, -3, attrInt(t, mustFeature(t, layer, -6), "predecessors"))
	assert.EqualValues(t, -2, attrInt(t, mustFeature(t, layer, -7), "predecessors"))

	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 7, count)
}

func TestCommitRemapsTemporaryIDs(t *testing.T) {
	layer, db := newTestLayer(t)
	applyDefaultValues(t, layer)

	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)
	mustSplit(t, layer, antiDiagonalCut)
	mustSplit(t, layer, horizontalCut)
	require.NoError(t, layer.CommitChanges())

	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 7, count)

	// 提交后不允许任何要素再持有负的前驱ID
	features, err := layer.GetFeatures()
	require.NoError(t, err)
	for _, f := range features {
		if f.Attributes["predecessors"] == nil {
			continue
		}
		assert.Greater(t, attrInt(t, f, "predecessors"), int64(0), "feature %d", f.ID)
	}

	// 临时ID按创建顺序映射：-2→2 … -7→7
	// 2、3、4号在第3轮作为分割原要素被更新，前驱改写为自身
	assert.EqualValues(t, 2, attrInt(t, mustFeature(t, layer, 2), "predecessors"))
	assert.EqualValues(t, 3, attrInt(t, mustFeature(t, layer, 3), "predecessors"))
	assert.EqualValues(t, 4, attrInt(t, mustFeature(t, layer, 4), "predecessors"))
	assert.EqualValues(t, 4, attrInt(t, mustFeature(t, layer, 5), "predecessors"))
	assert.EqualValues(t, 3, attrInt(t, mustFeature(t, layer, 6), "predecessors"))
	assert.EqualValues(t, 2, attrInt(t, mustFeature(t, layer, 7), "predecessors"))

	// 溯源表记录的是真实父子关系，且同样完成了重映射
	var records []models.SplitProvenance
	require.NoError(t, db.Where("layer_name = ?", "test_pg").Order("feature_id").Find(&records).Error)
	require.Len(t, records, 6)
	parents := make(map[int64]int64)
	for _, r := range records {
		assert.Greater(t, r.FeatureID, int64(0))
		assert.Greater(t, r.ParentID, int64(0))
		parents[r.FeatureID] = r.ParentID
	}
	assert.Equal(t, map[int64]int64{2: 1, 3: 2, 4: 1, 5: 4, 6: 3, 7: 2}, parents)
}

func TestSplitNoFeaturesAffected(t *testing.T) {
	layer, _ := newTestLayer(t)
	_, err := layer.StartEditing()
	require.NoError(t, err)

	result, err := layer.SplitFeatures(orb.LineString{{10, 10}, {20, 20}}, SplitOptions{})
	require.NoError(t, err)
	assert.Equal(t, SplitNoFeaturesAffected, result.Status)
	assert.Empty(t, result.Created)

	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSplitRequiresEditSession(t *testing.T) {
	layer, _ := newTestLayer(t)
	_, err := layer.SplitFeatures(diagonalCut, SplitOptions{})
	assert.ErrorIs(t, err, ErrNotEditable)
}

func TestSplitRejectsNonPolygonLayer(t *testing.T) {
	db, err := models.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.LayerSetting{LayerName: "points", GeometryType: "Point", Srid: 4326}).Error)

	layer, err := OpenLayer(db, "points")
	require.NoError(t, err)
	_, err = layer.StartEditing()
	require.NoError(t, err)

	_, err = layer.SplitFeatures(diagonalCut, SplitOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedGeometry)
}

func TestExpressionErrorLeavesFeatureUntouched(t *testing.T) {
	layer, _ := newTestLayer(t)
	require.NoError(t, layer.SetDefaultValueDefinition(2, models.DefaultValueDefinition{
		Expression:    "nosuchfunc(",
		ApplyOnUpdate: true,
	}))

	_, err := layer.StartEditing()
	require.NoError(t, err)

	result, err := layer.SplitFeatures(diagonalCut, SplitOptions{})
	require.NoError(t, err)
	assert.Equal(t, SplitFailed, result.Status)
	require.Len(t, result.Outcomes, 1)
	assert.ErrorIs(t, result.Outcomes[0].Err, ErrExpression)

	// 失败要素不留下半套改动：几何未变，缓冲区为空
	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	f := mustFeature(t, layer, 1)
	assert.InDelta(t, 9.0, planar.Area(f.Geometry), 1e-9)
	assert.True(t, layer.Buffer().IsEmpty())
}

func TestSplitPartialFailureIsolatesFeatures(t *testing.T) {
	layer, db := newTestLayer(t)

	// 第2个要素带内环，分割必然失败
	donut := orb.Polygon{
		orb.Ring{{5, 0}, {8, 0}, {8, 3}, {5, 3}, {5, 0}},
		orb.Ring{{6, 1}, {7, 1}, {7, 2}, {6, 2}, {6, 1}},
	}
	row, err := models.FeatureToRow("test_pg", &models.Feature{
		Geometry:   donut,
		Attributes: map[string]interface{}{"name": "donut"},
	})
	require.NoError(t, err)
	require.NoError(t, db.Create(row).Error)

	_, err = layer.StartEditing()
	require.NoError(t, err)

	result, err := layer.SplitFeatures(orb.LineString{{-1, 1.5}, {9, 1.5}}, SplitOptions{})
	require.NoError(t, err)
	assert.Equal(t, SplitPartialFailure, result.Status)
	require.Len(t, result.Outcomes, 2)
	assert.NoError(t, result.Outcomes[0].Err)
	assert.Equal(t, []int64{-2}, result.Outcomes[0].NewIDs)
	assert.ErrorIs(t, result.Outcomes[1].Err, geosplit.ErrBadGeometry)
	assert.Empty(t, result.Outcomes[1].NewIDs)
	assert.Equal(t, []int64{-2}, result.Created)

	// 失败要素原样保留，成功要素正常产出
	f2 := mustFeature(t, layer, 2)
	assert.InDelta(t, 8.0, planar.Area(f2.Geometry), 1e-9)
	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestCommitFailureLeavesBufferIntact(t *testing.T) {
	layer, db := newTestLayer(t)
	applyDefaultValues(t, layer)
	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = layer.CommitChanges()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed)

	// 缓冲区保持打开、内容完整，会话仍为active
	assert.True(t, layer.IsEditing())
	require.Len(t, layer.Buffer().AddedInOrder(), 1)
	assert.Equal(t, []int64{1}, layer.Buffer().ChangedIDs())
	assert.Equal(t, models.SessionActive, layer.session.Status)
}

func TestLayerEnginePredecessorPolicy(t *testing.T) {
	layer, _ := newTestLayer(t)
	applyDefaultValues(t, layer)
	layer.Engine().SetPredecessorPolicy(PredecessorJoin)

	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)
	require.NoError(t, layer.CommitChanges())

	f2 := mustFeature(t, layer, 2)
	assert.Equal(t, "1", f2.Attributes["predecessors"])
}

func TestCommitEmptyBufferSucceeds(t *testing.T) {
	layer, _ := newTestLayer(t)
	_, err := layer.StartEditing()
	require.NoError(t, err)
	require.NoError(t, layer.CommitChanges())

	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	assert.False(t, layer.IsEditing())
}

func TestRollbackDiscardsBuffer(t *testing.T) {
	layer, db := newTestLayer(t)
	applyDefaultValues(t, layer)

	handle, err := layer.StartEditing()
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	mustSplit(t, layer, diagonalCut)
	require.NoError(t, layer.RollBack())

	count, err := layer.FeatureCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	f := mustFeature(t, layer, 1)
	assert.InDelta(t, 9.0, planar.Area(f.Geometry), 1e-9)

	var session models.EditSession
	require.NoError(t, db.Where("handle = ?", handle).First(&session).Error)
	assert.Equal(t, models.SessionRolledBack, session.Status)
}

func TestSplitResultListsCreatedIDs(t *testing.T) {
	layer, _ := newTestLayer(t)
	_, err := layer.StartEditing()
	require.NoError(t, err)

	result := mustSplit(t, layer, diagonalCut)
	assert.Equal(t, []int64{-2}, result.Created)
	require.Len(t, result.Outcomes, 1)
	assert.EqualValues(t, 1, result.Outcomes[0].FeatureID)
	assert.NoError(t, result.Outcomes[0].Err)
}

func TestSplitGeometryPartsStayDisjoint(t *testing.T) {
	layer, _ := newTestLayer(t)
	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)
	require.NoError(t, layer.CommitChanges())

	f1 := mustFeature(t, layer, 1)
	f2 := mustFeature(t, layer, 2)
	a1 := planar.Area(f1.Geometry)
	a2 := planar.Area(f2.Geometry)
	assert.InDelta(t, 9.0, a1+a2, 1e-9)
	assert.Greater(t, a1, 0.0)
	assert.Greater(t, a2, 0.0)
}

func TestFeaturesIntersectingDeterministicOrder(t *testing.T) {
	layer, _ := newTestLayer(t)
	_, err := layer.StartEditing()
	require.NoError(t, err)
	mustSplit(t, layer, diagonalCut)

	hits, err := layer.Buffer().FeaturesIntersecting(antiDiagonalCut)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.EqualValues(t, -2, hits[0].ID)
	assert.EqualValues(t, 1, hits[1].ID)
}
