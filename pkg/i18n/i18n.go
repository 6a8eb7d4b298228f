// Package i18n holds the English and Chinese UI strings.
package i18n

// Lang is a UI language.
type Lang string

const (
	English Lang = "en"
	Chinese Lang = "zh"
)

// Parse returns Chinese for "zh" and English for anything else.
func Parse(s string) Lang {
	if Lang(s) == Chinese {
		return Chinese
	}
	return English
}

// Toggle returns the other language.
func (l Lang) Toggle() Lang {
	if l == Chinese {
		return English
	}
	return Chinese
}

// Key names a translated string.
type Key string

const (
	VideoHeader    Key = "videoHeader"
	Header         Key = "header"
	JointControl   Key = "jointControl"
	J1             Key = "j1"
	J2             Key = "j2"
	J3             Key = "j3"
	J4             Key = "j4"
	J5             Key = "j5"
	J6             Key = "j6"
	GripperControl Key = "gripperControl"
	GripperLabel   Key = "gripperLabel"
	FullyOpen      Key = "fullyOpen"
	FullyClosed    Key = "fullyClosed"
	OpenBtn        Key = "openBtn"
	CloseBtn       Key = "closeBtn"
	ResetBtn       Key = "resetBtn"
	SyncBtn        Key = "syncBtn"
	Ready          Key = "ready"
	Synced         Key = "synced"
	ToggleLabel    Key = "toggleLabel"
	Disconnected   Key = "disconnected"
	DetectTitle    Key = "detectTitle"
	EnableDetect   Key = "enableDetect"
	DisableDetect  Key = "disableDetect"
	LoadingModel   Key = "loadingModel"
	MoveToTarget   Key = "moveToTarget"
	ClearTarget    Key = "clearTarget"
	ControlTab     Key = "controlTab"
)

var translations = map[Lang]map[Key]string{
	English: {
		VideoHeader:    "Live Video Feed",
		Header:         "Robot Arm Control",
		JointControl:   "Joint Control",
		J1:             "J1 Base",
		J2:             "J2",
		J3:             "J3",
		J4:             "J4",
		J5:             "J5",
		J6:             "J6 End",
		GripperControl: "Gripper Control",
		GripperLabel:   "Gripper",
		FullyOpen:      "Fully Open",
		FullyClosed:    "Fully Closed",
		OpenBtn:        "Open",
		CloseBtn:       "Close",
		ResetBtn:       "Reset All",
		SyncBtn:        "Sync Status",
		Ready:          "Ready",
		Synced:         "Synced",
		ToggleLabel:    "中文",
		Disconnected:   "Disconnected — arm going to safe position",
		DetectTitle:    "Object Detection",
		EnableDetect:   "Enable Detection",
		DisableDetect:  "Disable Detection",
		LoadingModel:   "Loading model...",
		MoveToTarget:   "Move to Target",
		ClearTarget:    "Clear",
		ControlTab:     "Control",
	},
	Chinese: {
		VideoHeader:    "实时视频监控",
		Header:         "机械臂完整控制",
		JointControl:   "关节控制",
		J1:             "J1 底座",
		J2:             "J2",
		J3:             "J3",
		J4:             "J4",
		J5:             "J5",
		J6:             "J6 末端",
		GripperControl: "夹具控制",
		GripperLabel:   "夹具开合",
		FullyOpen:      "完全张开",
		FullyClosed:    "完全闭合",
		OpenBtn:        "张开",
		CloseBtn:       "闭合",
		ResetBtn:       "全部归零",
		SyncBtn:        "同步状态",
		Ready:          "就绪",
		Synced:         "已同步",
		ToggleLabel:    "EN",
		Disconnected:   "连接断开 — 机械臂回到安全位置",
		DetectTitle:    "目标检测",
		EnableDetect:   "启用检测",
		DisableDetect:  "禁用检测",
		LoadingModel:   "加载模型中...",
		MoveToTarget:   "移动到目标",
		ClearTarget:    "清除",
		ControlTab:     "控制",
	},
}

// T returns the string for key in lang, falling back to English and then to
// the key itself.
func T(lang Lang, key Key) string {
	if s, ok := translations[lang][key]; ok {
		return s
	}
	if s, ok := translations[English][key]; ok {
		return s
	}
	return string(key)
}

// JointKey returns the label key for joint id 1-6.
func JointKey(id int) Key {
	switch id {
	case 1:
		return J1
	case 2:
		return J2
	case 3:
		return J3
	case 4:
		return J4
	case 5:
		return J5
	case 6:
		return J6
	}
	return ""
}

// Status translates the store's built-in status texts. Peer-supplied texts
// are returned unchanged.
func Status(lang Lang, status string) string {
	switch status {
	case translations[English][Ready]:
		return T(lang, Ready)
	case translations[English][Synced]:
		return T(lang, Synced)
	}
	return status
}
