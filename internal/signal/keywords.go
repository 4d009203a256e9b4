package signal

import (
	"wisefido-guard/internal/models"
)

// 类别评估顺序（置信度相同则排在前面的类别胜出）
var categoryOrder = []models.SignalCategory{
	models.SignalExplicit,
	models.SignalMedical,
	models.SignalFall,
	models.SignalConfusion,
	models.SignalEmotional,
}

// 关键词表（静态数据，按类别和语言组织）
// 匹配按归一化后的子串进行，中文无需分词
var keywordTables = map[models.SignalCategory]map[string][]string{
	models.SignalExplicit: {
		"zh": {"救命", "求救", "帮帮我", "来人啊", "快来人", "报警"},
		"en": {"help me", "help", "sos", "emergency", "call for help"},
	},
	models.SignalMedical: {
		"zh": {"胸口疼", "心脏不舒服", "喘不上气", "呼吸困难", "头晕", "心慌", "吃药", "血压"},
		"en": {"chest pain", "heart hurts", "can't breathe", "short of breath", "dizzy", "my medication"},
	},
	models.SignalFall: {
		"zh": {"摔倒", "跌倒", "摔了一跤", "起不来", "爬不起来"},
		"en": {"i fell", "fell down", "fallen", "can't get up", "on the floor"},
	},
	models.SignalConfusion: {
		"zh": {"我在哪", "这是哪里", "不记得", "我是谁", "怎么回家"},
		"en": {"where am i", "what is this place", "i don't remember", "how do i get home"},
	},
	models.SignalEmotional: {
		"zh": {"害怕", "好孤独", "没人管我", "想哭", "难受"},
		"en": {"i'm scared", "so lonely", "nobody cares", "want to cry"},
	},
}

// 语境加强词（痛感/紧迫感），命中后小幅提升置信度
var intensifierWords = map[string][]string{
	"zh": {"快", "马上", "好疼", "很疼", "不行了", "受不了"},
	"en": {"now", "quick", "hurry", "so much", "really bad", "can't stand"},
}

// 位置提及词，说明用户能描述自身位置，提升事件可信度
var locationWords = map[string][]string{
	"zh": {"卫生间", "浴室", "卧室", "厨房", "客厅", "地上", "床边"},
	"en": {"bathroom", "bedroom", "kitchen", "living room", "floor", "by the bed"},
}

// 类别紧急度（1-4）
var categoryUrgency = map[models.SignalCategory]int{
	models.SignalExplicit:  4,
	models.SignalMedical:   4,
	models.SignalFall:      3,
	models.SignalConfusion: 2,
	models.SignalEmotional: 1,
}

// 允许免确认直接升级的类别（explicit/medical），其余类别需先确认
var categoryAutoDispatch = map[models.SignalCategory]bool{
	models.SignalExplicit:  true,
	models.SignalMedical:   true,
	models.SignalFall:      false,
	models.SignalConfusion: false,
	models.SignalEmotional: false,
}
